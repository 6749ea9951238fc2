// Package config loads and holds the balancer's INI configuration.
package config

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/ini.v1"

	"github.com/duskline/langrelay/balerrs"
)

var uriPattern = regexp.MustCompile(`^wss?://[^:/\s]+:\d{1,5}$`)

// ServerOptions is the [Server Options] section.
type ServerOptions struct {
	ServerPort             int
	IsTLSServer            bool
	NumReqThreads          int
	NumRespThreads         int
	ReconnectTimeOutMS     int
	TranslationServerNames []string
}

// Upstream is one configured translation server section.
type Upstream struct {
	Name       string
	Address    string
	Port       int
	LoadWeight uint32
	IsTLS      bool
	TLSCert    string
	TLSKey     string
}

// URI builds the ws(s):// connection string validated against uriPattern.
func (u Upstream) URI() string {
	scheme := "ws"
	if u.IsTLS {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, u.Address, u.Port)
}

// Admin is the [Admin] section gating the operator HTTP surface.
type Admin struct {
	ListenAddr      string
	PasswordHash    string
	JWTSecret       string
	LogLevel        string
	LogPretty       bool
	MetricsEnabled  bool
}

// Data is the full parsed configuration.
type Data struct {
	Server    ServerOptions
	Upstreams []Upstream
	Admin     Admin
}

// Global is a thread-safe wrapper around Data, loaded once at startup.
type Global struct {
	mu   sync.RWMutex
	data Data
}

// Get returns a copy of the current configuration.
func (g *Global) Get() Data {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.data
}

// Set replaces the configuration. Exposed for tests; the running
// balancer does not reload its INI file, matching the CLI contract
// having no "reload" verb.
func (g *Global) Set(d Data) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.data = d
}

// Load parses path as INI and validates it per the configuration schema.
// Returns a balerrs.ErrConfig-marked error on any malformed/missing field,
// invalid upstream URI, or negative weight.
func Load(path string) (*Global, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, balerrs.Mark(balerrs.ErrConfig, fmt.Errorf("load %s: %w", path, err))
	}

	sec := f.Section("Server Options")
	var data Data
	data.Server.ServerPort = sec.Key("server_port").MustInt(0)
	data.Server.IsTLSServer = sec.Key("is_tls_server").MustBool(false)
	data.Server.NumReqThreads = sec.Key("num_req_threads").MustInt(4)
	data.Server.NumRespThreads = sec.Key("num_resp_threads").MustInt(4)
	data.Server.ReconnectTimeOutMS = sec.Key("reconnect_time_out").MustInt(5000)

	names := sec.Key("translation_server_names").String()
	var serverNames []string
	for _, n := range strings.Split(names, "|") {
		n = strings.TrimSpace(n)
		if n != "" {
			serverNames = append(serverNames, n)
		}
	}
	data.Server.TranslationServerNames = serverNames

	if data.Server.ServerPort <= 0 || data.Server.ServerPort > 65535 {
		return nil, balerrs.Newf(balerrs.ErrConfig, "server_port %d out of range", data.Server.ServerPort)
	}
	if data.Server.NumReqThreads < 1 || data.Server.NumRespThreads < 1 {
		return nil, balerrs.New(balerrs.ErrConfig, "num_req_threads and num_resp_threads must be >= 1")
	}
	if data.Server.ReconnectTimeOutMS < 1 {
		return nil, balerrs.New(balerrs.ErrConfig, "reconnect_time_out must be >= 1")
	}

	for _, name := range serverNames {
		if !f.HasSection(name) {
			return nil, balerrs.Newf(balerrs.ErrConfig, "translation_server_names references missing section %q", name)
		}
		usec := f.Section(name)
		weight := usec.Key("load_weight").MustInt(-1)
		if weight < 0 {
			return nil, balerrs.Newf(balerrs.ErrConfig, "section %q: load_weight must be >= 0", name)
		}
		u := Upstream{
			Name:       name,
			Address:    usec.Key("address").String(),
			Port:       usec.Key("port").MustInt(0),
			LoadWeight: uint32(weight),
			IsTLS:      usec.Key("is_tls").MustBool(false),
			TLSCert:    usec.Key("tls_cert").String(),
			TLSKey:     usec.Key("tls_key").String(),
		}
		if u.Address == "" || u.Port <= 0 || u.Port > 65535 {
			return nil, balerrs.Newf(balerrs.ErrConfig, "section %q: invalid address/port", name)
		}
		if !uriPattern.MatchString(u.URI()) {
			return nil, balerrs.Newf(balerrs.ErrConfig, "section %q: invalid upstream uri %q", name, u.URI())
		}
		data.Upstreams = append(data.Upstreams, u)
	}

	asec := f.Section("Admin")
	data.Admin = Admin{
		ListenAddr:     asec.Key("listen_addr").MustString(":9090"),
		PasswordHash:   asec.Key("password_hash").String(),
		JWTSecret:      asec.Key("jwt_secret").String(),
		LogLevel:       asec.Key("log_level").MustString("info"),
		LogPretty:      asec.Key("log_pretty").MustBool(false),
		MetricsEnabled: asec.Key("metrics_enabled").MustBool(true),
	}

	return &Global{data: data}, nil
}
