package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/murmurlabs/murmur-core/internal/persona"
)

var version = "0.1.0-dev"

func main() {
	var profilePath string
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&profilePath, "file", "persona.yaml", "Path to persona profile")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'show' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		validateCmd.Parse(os.Args[2:])
		if _, err := persona.Load(profilePath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("profile valid")
	case "show":
		validateCmd.Parse(os.Args[2:])
		profile, err := persona.Load(profilePath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(profile.ContextPrompt())
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}
