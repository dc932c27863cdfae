package conf

import (
	"encoding/json"
	"fmt"
	"os"
)

// Conf is the top-level configuration document: a logging section, the
// dynamic-pool and UDP-session tuning shared by every rule, and the list
// of forwarding rules themselves.
type Conf struct {
	Log     LogConfig   `json:"log"`
	Pool    PoolConfig  `json:"pool"`
	UDP     UDPConfig   `json:"udp"`
	Forward []Rule      `json:"forward"`
}

// LoadFromFile reads and validates the JSON configuration at path. Absence
// of the file, invalid JSON, or a missing/non-array forward field are all
// fatal (ConfigError); an individual rule failing Validate is not fatal
// here — rules are not validated at load, and the binder validates each
// active rule, logging and skipping invalid ones instead of aborting startup.
func LoadFromFile(path string) (*Conf, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrConfig, path, err)
	}

	var raw struct {
		Log     LogConfig       `json:"log"`
		Pool    PoolConfig      `json:"pool"`
		UDP     UDPConfig       `json:"udp"`
		Forward json.RawMessage `json:"forward"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrConfig, path, err)
	}
	if raw.Forward == nil {
		return nil, fmt.Errorf("%w: %s: missing required \"forward\" array", ErrConfig, path)
	}

	var rules []Rule
	if err := json.Unmarshal(raw.Forward, &rules); err != nil {
		return nil, fmt.Errorf("%w: %s: \"forward\" must be an array of rules: %v", ErrConfig, path, err)
	}

	c := &Conf{
		Log:     raw.Log,
		Pool:    raw.Pool,
		UDP:     raw.UDP,
		Forward: rules,
	}
	c.setDefaults()
	if errs := c.Pool.validate(); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfig, path, errs[0])
	}
	return c, nil
}

func (c *Conf) setDefaults() {
	c.Log.setDefaults()
	c.Pool.setDefaults()
	c.UDP.setDefaults()
	for i := range c.Forward {
		if c.Forward[i].Status == "" {
			c.Forward[i].Status = "active"
		}
	}
}

// ActiveRules returns only the rules with status == active, in file order.
func (c *Conf) ActiveRules() []Rule {
	out := make([]Rule, 0, len(c.Forward))
	for _, r := range c.Forward {
		if r.Active() {
			out = append(out, r)
		}
	}
	return out
}
