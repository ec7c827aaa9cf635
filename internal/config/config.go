// Package config loads the kilnctl configuration file.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"reflect"
	"unicode"

	"github.com/naoina/toml"
)

// Config holds the settings shared by every kilnctl command. Command line
// flags take precedence over the file.
type Config struct {
	Transport    string // emulator, hid, webusb or speculos
	SpeculosAddr string
	Model        string // emulated model: nanos, nanox or nanosp
	Seed         string // emulated device mnemonic
	BlindSigning bool
	Path         string

	PluginBaseURL       string
	CryptoAssetsBaseURL string

	SnapshotDir string
}

// Defaults are used for every setting the file leaves out
var Defaults = Config{
	Transport:           "emulator",
	SpeculosAddr:        "127.0.0.1:9999",
	Model:               "nanos",
	Path:                "44'/60'/0'/0/0",
	PluginBaseURL:       "https://cdn.live.ledger.com",
	CryptoAssetsBaseURL: "https://cdn.live.ledger.com/cryptoassets",
	SnapshotDir:         ".",
}

// These settings ensure that TOML keys use the same names as Go struct fields.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		link := ""
		if unicode.IsUpper(rune(rt.Name()[0])) && rt.PkgPath() != "main" {
			link = fmt.Sprintf(", see https://pkg.go.dev/%s#%s for available fields", rt.PkgPath(), rt.Name())
		}
		return fmt.Errorf("field '%s' is not defined in %s%s", field, rt.String(), link)
	},
}

// Load reads file over the defaults. An empty name returns the defaults.
func Load(file string) (*Config, error) {
	cfg := Defaults
	if file == "" {
		return &cfg, nil
	}
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(&cfg)
	// Add file name to errors that have a line number.
	var lerr *toml.LineError
	if errors.As(err, &lerr) {
		err = errors.New(file + ", " + err.Error())
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Marshal renders the configuration as TOML
func (c *Config) Marshal() ([]byte, error) {
	return tomlSettings.Marshal(c)
}
