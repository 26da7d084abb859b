package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"connectrpc.com/connect"
	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"

	"github.com/kkkkikiki/voucher/internal/api"
)

const defaultServer = "http://localhost:8080"

// Profile is the on-disk default session. The file is JSON with comments
// and trailing commas allowed.
type Profile struct {
	Server   string `json:"server"`
	Operator string `json:"operator"`
	Role     string `json:"role"`
	Station  string `json:"station"`
}

// LoadProfile reads a profile file
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var p Profile
	if err := json.Unmarshal(jsonc.ToJSON(data), &p); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &p, nil
}

// DefaultProfilePath is where stationctl looks when --profile is not given
func DefaultProfilePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "voucher", "stationctl.jsonc")
}

// Connection holds the server address and the operator session sent with
// every request. Flags win over the profile.
type Connection struct {
	Server   string
	Profile  string
	Operator string
	Role     string
	Station  string
	Timeout  time.Duration
}

// AddFlags registers connection flags
func (c *Connection) AddFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&c.Server, "server", "", "station server URL (default "+defaultServer+")")
	flagSet.StringVar(&c.Profile, "profile", "", "profile file with default server and session")
	flagSet.StringVarP(&c.Operator, "operator", "u", "", "operator id")
	flagSet.StringVarP(&c.Role, "role", "r", "", "operator role (admin|cashier|table|auditor)")
	flagSet.StringVar(&c.Station, "station", "", "station id override")
	flagSet.DurationVar(&c.Timeout, "timeout", 10*time.Second, "request timeout")
}

// resolve fills unset fields from the profile. A missing default profile
// is not an error; a missing explicit one is.
func (c *Connection) resolve() error {
	path := c.Profile
	if path == "" {
		path = DefaultProfilePath()
	}

	if path != "" {
		p, err := LoadProfile(path)
		switch {
		case err == nil:
			c.merge(p)
		case c.Profile == "" && errors.Is(err, fs.ErrNotExist):
		default:
			return err
		}
	}

	if c.Server == "" {
		c.Server = defaultServer
	}
	return nil
}

func (c *Connection) merge(p *Profile) {
	if c.Server == "" {
		c.Server = p.Server
	}
	if c.Operator == "" {
		c.Operator = p.Operator
	}
	if c.Role == "" {
		c.Role = p.Role
	}
	if c.Station == "" {
		c.Station = p.Station
	}
}

// Client returns a station service client for the resolved server
func (c *Connection) Client() *api.StationServiceClient {
	return api.NewStationServiceClient(&http.Client{Timeout: c.Timeout}, c.Server)
}

// newRequest wraps msg with the session headers
func newRequest[T any](c *Connection, msg *T) *connect.Request[T] {
	req := connect.NewRequest(msg)
	req.Header().Set(api.HeaderOperatorID, c.Operator)
	req.Header().Set(api.HeaderOperatorRole, c.Role)
	if c.Station != "" {
		req.Header().Set(api.HeaderStation, c.Station)
	}
	return req
}
