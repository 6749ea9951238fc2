package config

import (
	"os"
	"path/filepath"
	"testing"
)

const validINI = `
[Server Options]
server_port = 8080
is_tls_server = false
num_req_threads = 4
num_resp_threads = 4
reconnect_time_out = 500
translation_server_names = upstream_a|upstream_b

[upstream_a]
address = 127.0.0.1
port = 9001
load_weight = 3

[upstream_b]
address = 127.0.0.1
port = 9002
load_weight = 1
`

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "balancer.ini")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeTemp(t, validINI)
	g, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	data := g.Get()
	if data.Server.ServerPort != 8080 {
		t.Fatalf("server_port = %d, want 8080", data.Server.ServerPort)
	}
	if len(data.Upstreams) != 2 {
		t.Fatalf("got %d upstreams, want 2", len(data.Upstreams))
	}
	if data.Upstreams[0].URI() != "ws://127.0.0.1:9001" {
		t.Fatalf("uri = %q", data.Upstreams[0].URI())
	}
}

func TestLoadRejectsMissingSection(t *testing.T) {
	bad := `
[Server Options]
server_port = 8080
num_req_threads = 4
num_resp_threads = 4
reconnect_time_out = 500
translation_server_names = ghost
`
	path := writeTemp(t, bad)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for a missing upstream section")
	}
}

func TestLoadRejectsNegativeWeight(t *testing.T) {
	bad := `
[Server Options]
server_port = 8080
num_req_threads = 4
num_resp_threads = 4
reconnect_time_out = 500
translation_server_names = upstream_a

[upstream_a]
address = 127.0.0.1
port = 9001
load_weight = -1
`
	path := writeTemp(t, bad)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for a negative load_weight")
	}
}

func TestLoadRejectsBadPort(t *testing.T) {
	bad := `
[Server Options]
server_port = 99999
num_req_threads = 4
num_resp_threads = 4
reconnect_time_out = 500
translation_server_names =
`
	path := writeTemp(t, bad)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an out-of-range server_port")
	}
}
