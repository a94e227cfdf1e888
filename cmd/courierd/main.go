package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/courierchat/courier/internal/config"
	"github.com/courierchat/courier/internal/daemon"
	"github.com/courierchat/courier/internal/profile"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	flag.Parse()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(profile.ConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot read %s: %v\n", profile.ConfigPath(), err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{ProfileName: profileName, Config: cfg}),
	)

	app.Run()
}
