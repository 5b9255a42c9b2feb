// Copyright (c) 2021-2022 The Prosopo developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/decred/dcrd/dcrutil/v4"

	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "provider.conf"
)

var (
	defaultHomeDir    = dcrutil.AppDataDir("provider", false)
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
)

// config defines the configuration options for provider.
//
// See loadConfig for details on the configuration load process.
type config struct {
	Host        string `long:"host" description:"Provider host"`
	UserAccount string `long:"useraccount" description:"Account captchas are requested for"`
	DappAccount string `long:"dappaccount" description:"Dapp account captchas are requested on behalf of"`
}

// loadConfig initializes and parses the config using a config file.  A
// missing config file is not an error.
func loadConfig() (*config, error) {
	var cfg config
	err := flags.IniParse(defaultConfigFile, &cfg)
	if err != nil {
		var e *os.PathError
		if !errors.As(err, &e) {
			return nil, err
		}
	}

	if err := initHomeDirectory(defaultHomeDir); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// initHomeDirectory creates the home directory if it doesn't already exist.
func initHomeDirectory(homeDir string) error {
	funcName := "initHomeDirectory"
	err := os.MkdirAll(homeDir, 0700)
	if err != nil {
		// Show a nicer error message if it's because a symlink is
		// linked to a directory that does not exist (probably because
		// it's not mounted).
		var e *os.PathError
		if errors.As(err, &e) && os.IsExist(err) {
			if link, lerr := os.Readlink(e.Path); lerr == nil {
				str := "is symlink %s -> %s mounted?"
				err = fmt.Errorf(str, e.Path, link)
			}
		}

		return fmt.Errorf("%s: failed to create home directory: %v",
			funcName, err)
	}
	return nil
}
