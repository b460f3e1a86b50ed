// Package config loads o4's INI-ish configuration file(s) and exposes
// the handful of properties the rest of the module reads out of them:
// remote fstat service settings, cache space-reclamation thresholds,
// per-subcommand default arguments, and clientspec leniency.
package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/shlex"
	"github.com/pkg/errors"
	"gopkg.in/ini.v1"

	"github.com/o4sync/o4/pkg/logging"
)

// DefaultFstatServerNearby is used when "o4.fstat_server.nearby" is
// unset: how close an existing cached range must be before the remote
// fstat service redirects to it instead of computing a new one.
const DefaultFstatServerNearby = 5000

// Config holds every property read from the configuration file(s), as a
// flat key/value map mirroring the source's single-section
// configparser approach — o4's config has never had real INI sections,
// just dotted keys like "o4.fstat_server_url".
type Config struct {
	props map[string]string
}

// Load reads o4's configuration following the precedence described in
// §6: $O4CONFIG if set, else ~/o4.config if it exists; then, regardless
// of which of those was read, $BLT_HOME/config.blt if BLT_HOME is set
// and the file exists, with its keys layered on top. A missing
// ~/o4.config or $BLT_HOME/config.blt is silently skipped, matching the
// source's behavior of treating an absent optional config as "no
// properties from here"; a $O4CONFIG naming a file that cannot be read
// makes Load fail.
func Load(logger *logging.Logger) (*Config, error) {
	var content strings.Builder

	if confPath := os.Getenv("O4CONFIG"); confPath != "" {
		body, err := readConfFile(confPath, logger)
		if err != nil {
			return nil, err
		}
		content.WriteString(body)
	} else if home, err := os.UserHomeDir(); err == nil {
		confPath := filepath.Join(home, "o4.config")
		if _, statErr := os.Stat(confPath); statErr == nil {
			body, err := readConfFile(confPath, logger)
			if err != nil {
				return nil, err
			}
			content.WriteString(body)
		}
	}

	if bltHome := os.Getenv("BLT_HOME"); bltHome != "" {
		confPath := filepath.Join(bltHome, "config.blt")
		if _, statErr := os.Stat(confPath); statErr == nil {
			body, err := readConfFile(confPath, logger)
			if err != nil {
				return nil, err
			}
			content.WriteString(body)
		}
	}

	props := map[string]string{}
	if content.Len() > 0 {
		file, err := ini.LoadSources(ini.LoadOptions{AllowBooleanKeys: true}, []byte(content.String()))
		if err != nil {
			return nil, errors.Wrap(err, "unable to parse o4 configuration")
		}
		for _, section := range file.Sections() {
			for _, key := range section.Keys() {
				props[key.Name()] = key.Value()
			}
		}
	}

	return &Config{props: props}, nil
}

// readConfFile reads one configuration file, dropping blank lines,
// comment lines ('#'), and any line without an '=' -- the last of which
// is reported via logger rather than failing the whole load, matching
// the source's "ignore and warn" handling of malformed lines.
func readConfFile(path string, logger *logging.Logger) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "unable to read configuration file %s", path)
	}

	var kept strings.Builder
	var bad []string
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.Contains(line, "=") {
			bad = append(bad, line)
			continue
		}
		kept.WriteString(line)
		kept.WriteByte('\n')
	}
	if len(bad) > 0 {
		logger.Warnf("ignoring malformed line(s) in %s:", path)
		for _, line := range bad {
			logger.Warnf("    %s", line)
		}
	}
	return kept.String(), nil
}

// Get returns a raw property value and whether it was set.
func (c *Config) Get(key string) (string, bool) {
	if c == nil {
		return "", false
	}
	v, ok := c.props[key]
	return v, ok
}

// GetDefault returns a property's value, or def if unset.
func (c *Config) GetDefault(key, def string) string {
	if v, ok := c.Get(key); ok {
		return v
	}
	return def
}

// GetBool returns a property as the source's ad hoc boolean convention:
// true only for the literal string "true".
func (c *Config) GetBool(key string) bool {
	v, _ := c.Get(key)
	return v == "true"
}

var expandPattern = regexp.MustCompile(`\$\{(.*?)\}`)

// Expand resolves "${name}" references in value against this config's
// own properties, warning (but not failing) on an unresolved reference
// -- used for "o4.fstat_server_auth", which embeds credential
// references like "${nexus.token.id}".
func (c *Config) Expand(value string, logger *logging.Logger) string {
	return expandPattern.ReplaceAllStringFunc(value, func(match string) string {
		name := expandPattern.FindStringSubmatch(match)[1]
		v, ok := c.Get(name)
		if !ok {
			logger.Warnf("configuration variable not found: %s", name)
			return ""
		}
		return v
	})
}

// ByteSize parses a property using the "k"/"m"/"g"-suffixed byte-count
// convention shared by "o4.cache.maximum_dir_size" and
// "o4.cache.minimum_disk_free", falling back to def when unset or
// unparseable.
func (c *Config) ByteSize(key string, def uint64) uint64 {
	v, ok := c.Get(key)
	if !ok {
		return def
	}
	size, err := humanize.ParseBytes(v)
	if err != nil {
		return def
	}
	return size
}

// FstatServerNearby returns "o4.fstat_server.nearby", or
// DefaultFstatServerNearby when unset or unparseable.
func (c *Config) FstatServerNearby() int {
	v, ok := c.Get("o4.fstat_server.nearby")
	if !ok {
		return DefaultFstatServerNearby
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return DefaultFstatServerNearby
	}
	return n
}

// AllowNonflatClientspec implements the source's fallback chain: an
// explicit "o4.allow_nonflat_clientspec" wins; otherwise
// "blt.edition.dev" being set to "false" is read as permission to
// allow a nonflat clientspec (a quirk of the BLT build tool's dev-mode
// convention, preserved verbatim from the source).
func (c *Config) AllowNonflatClientspec() bool {
	if v, ok := c.Get("o4.allow_nonflat_clientspec"); ok {
		return v == "true"
	}
	if v, ok := c.Get("blt.edition.dev"); ok {
		return v == "false"
	}
	return false
}

// CommandArgs returns the default arguments configured for one o4
// subcommand via "o4.args.<cmd>", followed by the global "o4.args",
// tokenized the way a shell would split them.
func (c *Config) CommandArgs(cmd string) ([]string, error) {
	var args []string
	if v, ok := c.Get("o4.args." + cmd); ok && v != "" {
		tokens, err := shlex.Split(v)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to parse o4.args.%s", cmd)
		}
		args = append(args, tokens...)
	}
	if v, ok := c.Get("o4.args"); ok && v != "" {
		tokens, err := shlex.Split(v)
		if err != nil {
			return nil, errors.Wrap(err, "unable to parse o4.args")
		}
		args = append(args, tokens...)
	}
	return args, nil
}
