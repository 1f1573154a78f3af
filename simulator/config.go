package simulator

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Config is the part of a runtime configuration file the simulator
// understands.
type Config struct {
	LocalAddress string
	TCPPort      int
	KillTimer    float64
	NumHCs       int
	Execute      []ExecuteItem
}

// ExecuteItem is one line of the [EXECUTE] section. An empty Testcase
// selects the module's control part.
type ExecuteItem struct {
	Module   string
	Testcase string
}

func (it ExecuteItem) String() string {
	if it.Testcase == "" {
		return it.Module + ".control"
	}
	return it.Module + "." + it.Testcase
}

// LoadConfig reads and parses the configuration file at path.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := ParseConfig(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig parses the [MAIN_CONTROLLER] and [EXECUTE] sections of a
// configuration file. Other sections are skipped.
func ParseConfig(r io.Reader) (*Config, error) {
	cfg := &Config{}
	section := ""

	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		line := stripComment(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.TrimSpace(line[1 : len(line)-1])
			continue
		}

		var err error
		switch section {
		case "MAIN_CONTROLLER":
			err = cfg.setMainController(line)
		case "EXECUTE":
			err = cfg.addExecute(line)
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return cfg, nil
}

func (c *Config) setMainController(line string) error {
	key, value, ok := strings.Cut(line, ":=")
	if !ok {
		return fmt.Errorf("expected key := value, got %q", line)
	}
	key = strings.TrimSpace(key)
	value = strings.Trim(strings.TrimSpace(value), `"`)

	var err error
	switch key {
	case "LocalAddress":
		c.LocalAddress = value
	case "TCPPort":
		c.TCPPort, err = strconv.Atoi(value)
	case "KillTimer":
		c.KillTimer, err = strconv.ParseFloat(value, 64)
	case "NumHCs":
		c.NumHCs, err = strconv.Atoi(value)
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("invalid %s value %q", key, value)
	}
	return nil
}

func (c *Config) addExecute(line string) error {
	module, testcase, _ := strings.Cut(line, ".")
	module, testcase = strings.TrimSpace(module), strings.TrimSpace(testcase)
	if module == "" {
		return fmt.Errorf("missing module name in %q", line)
	}
	if testcase == "control" {
		testcase = ""
	}
	c.Execute = append(c.Execute, ExecuteItem{Module: module, Testcase: testcase})
	return nil
}

func stripComment(line string) string {
	if i := strings.Index(line, "//"); i >= 0 {
		line = line[:i]
	}
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}
