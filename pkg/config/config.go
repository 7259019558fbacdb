package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".pwnsight"
	configFile string = "config.yml"
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// MaxStackFrames is the maximum number of frames the stack unwinder
	// will follow before giving up on a chain.
	MaxStackFrames *int `yaml:"max-stack-frames,omitempty"`

	// MemCacheEntries is the capacity of the per-snapshot memory read cache.
	MemCacheEntries *int `yaml:"mem-cache-entries,omitempty"`

	// AllocatorVersion overrides allocator version detection, for stripped
	// targets where the libc release cannot be determined. Format "2.27".
	AllocatorVersion string `yaml:"allocator-version"`

	// MainArenaAddr overrides main_arena symbol resolution, for targets
	// whose libc symbols are unavailable. Zero means use the symbol table.
	MainArenaAddr uint64 `yaml:"main-arena-addr"`

	// DisasmLines is the number of instructions decoded around PC for each
	// snapshot.
	DisasmLines *int `yaml:"disasm-lines,omitempty"`
}

// MaxStackFramesOrDefault returns the configured unwind depth limit.
func (c *Config) MaxStackFramesOrDefault() int {
	if c.MaxStackFrames == nil || *c.MaxStackFrames <= 0 {
		return 64
	}
	return *c.MaxStackFrames
}

// MemCacheEntriesOrDefault returns the configured read cache capacity.
func (c *Config) MemCacheEntriesOrDefault() int {
	if c.MemCacheEntries == nil || *c.MemCacheEntries <= 0 {
		return 1024
	}
	return *c.MemCacheEntries
}

// DisasmLinesOrDefault returns the configured disassembly window size.
func (c *Config) DisasmLinesOrDefault() int {
	if c.DisasmLines == nil || *c.DisasmLines <= 0 {
		return 8
	}
	return *c.DisasmLines
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return &Config{}
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return &Config{}
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.", err)
		}
	}()

	data, err := ioutil.ReadAll(f)
	if err != nil {
		fmt.Printf("Unable to read config data: %v.", err)
		return &Config{}
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		fmt.Printf("Unable to decode config file: %v.", err)
		return &Config{}
	}

	return &c
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for pwnsight.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Maximum number of stack frames followed by the unwinder.
# max-stack-frames: 64

# Capacity of the per-snapshot memory read cache.
# mem-cache-entries: 1024

# Override allocator version detection (e.g. for stripped targets).
# allocator-version: "2.31"

# Override main_arena resolution when libc symbols are unavailable.
# main-arena-addr: 0x7ffff7fb8b80

# Number of instructions decoded around PC in each snapshot.
# disasm-lines: 8
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
