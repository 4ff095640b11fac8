package main

import (
	"flag"
	"log"

	"github.com/danmuck/pyremote/internal/config"
)

func main() {
	kind := flag.String("kind", "toml", "template kind: toml|env")
	output := flag.String("output", "", "output path for the template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "cmd/pyremote/config.toml", "config path for validation")
	force := flag.Bool("force", false, "overwrite existing file")
	flag.Parse()

	if *validate {
		cfg, err := config.LoadFile(*input)
		if err != nil {
			log.Fatal(err)
		}
		if err := cfg.Validate(); err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated config at %s", *input)
		return
	}

	target := *output
	if target == "" {
		switch *kind {
		case "toml":
			target = "cmd/pyremote/config.toml"
		case "env":
			target = ".env"
		default:
			log.Fatalf("unknown kind: %s", *kind)
		}
	}

	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s template to %s", *kind, target)
}
