package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"groupwatch/internal/config"
	"groupwatch/internal/monitor"
	"groupwatch/internal/storage"
)

// protocolServer fakes the protocol API for one group.
type protocolServer struct {
	*httptest.Server

	mu      sync.Mutex
	members map[string]string
	sent    []string
}

func newProtocolServer(t *testing.T, members map[string]string) *protocolServer {
	t.Helper()
	p := &protocolServer{members: members}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/Group/GetChatRoomMemberDetail", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		list := make([]map[string]string, 0, len(p.members))
		for id, name := range p.members {
			list = append(list, map[string]string{"UserName": id, "NickName": name})
		}
		p.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{
			"Success": true,
			"Data":    map[string]any{"NewChatroomData": map[string]any{"ChatRoomMember": list}},
		})
	})
	mux.HandleFunc("/api/Msg/SendTxt", func(w http.ResponseWriter, r *http.Request) {
		var body struct{ Content string }
		_ = json.NewDecoder(r.Body).Decode(&body)
		p.mu.Lock()
		p.sent = append(p.sent, body.Content)
		p.mu.Unlock()
		_, _ = w.Write([]byte(`{"Success":true}`))
	})
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Close)
	return p
}

func (p *protocolServer) remove(id string) {
	p.mu.Lock()
	delete(p.members, id)
	p.mu.Unlock()
}

func (p *protocolServer) messages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sent...)
}

func (p *protocolServer) hostPort(t *testing.T) (string, int) {
	t.Helper()
	u, err := url.Parse(p.URL)
	if err != nil {
		t.Fatal(err)
	}
	host, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatal(err)
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		t.Fatal(err)
	}
	return host, n
}

func writeConfig(t *testing.T, dir string, cfg map[string]any) string {
	t.Helper()
	b, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(dir, "config.json")
	if err := os.WriteFile(p, b, 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func baseConfig(t *testing.T, srv *protocolServer, dir string) map[string]any {
	host, port := srv.hostPort(t)
	return map[string]any{
		"monitor": map[string]any{
			"check_interval": 1,
			"group_delay":    "1ms",
			"monitor_groups": []string{"g@chatroom"},
		},
		"protocol": map[string]any{"host": host, "port": port, "wxid": "wxid_bot", "version": "855"},
		"storage":  map[string]any{"driver": "sqlite", "path": filepath.Join(dir, "members.db")},
		"notifier": map[string]any{"rate_per_sec": 50, "retry_max": 0},
		"logging":  map[string]any{"level": "error", "console": true},
		"systemd":  map[string]any{"notify": false},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAppDetectsDeparture(t *testing.T) {
	t.Parallel()
	srv := newProtocolServer(t, map[string]string{"a": "Alice", "b": "Bob"})
	dir := t.TempDir()
	a, err := New(writeConfig(t, dir, baseConfig(t, srv, dir)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !a.state.PendingFirstPopulation() {
		t.Fatal("empty store must start pending")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "baseline pass", func() bool { return a.Snapshot().Passes >= 1 })
	if a.state.PendingFirstPopulation() {
		t.Fatal("gate still pending after a full pass")
	}
	if got := srv.messages(); len(got) != 0 {
		t.Fatalf("baseline pass sent %v", got)
	}

	srv.remove("b")
	waitFor(t, "departure notice", func() bool { return len(srv.messages()) > 0 })
	if got := srv.messages()[0]; got != "Bob has left the group" {
		t.Fatalf("notice = %q", got)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopSignal); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := a.store.Members(context.Background(), "g@chatroom"); !errors.Is(err, storage.ErrClosed) {
		t.Fatalf("store after Stop: %v, want ErrClosed", err)
	}
}

func TestAppReopensExistingStore(t *testing.T) {
	t.Parallel()
	srv := newProtocolServer(t, map[string]string{"a": "Alice"})
	dir := t.TempDir()
	path := writeConfig(t, dir, baseConfig(t, srv, dir))

	first, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if n := first.sched.RunPass(context.Background()); n != 0 {
		t.Fatalf("baseline departures = %d", n)
	}
	if err := first.store.Close(); err != nil {
		t.Fatal(err)
	}

	second, err := New(path)
	if err != nil {
		t.Fatalf("New again: %v", err)
	}
	defer second.store.Close()
	if second.state.PendingFirstPopulation() {
		t.Fatal("populated store must not start pending")
	}
}

func TestApplyConfigSwapsTemplates(t *testing.T) {
	t.Parallel()
	srv := newProtocolServer(t, map[string]string{})
	dir := t.TempDir()
	raw := baseConfig(t, srv, dir)
	a, err := New(writeConfig(t, dir, raw))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.store.Close()

	next := *a.applied
	next.Monitor.MessageTemplate = "bye {member_name} ({member_id})"
	a.applyConfig(&next)
	if a.applied != &next {
		t.Fatal("applied config not recorded")
	}

	err = a.disp.Send(context.Background(), monitor.Departure{
		GroupID: "g@chatroom", MemberID: "c", DisplayName: "Carol", DetectedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := srv.messages(); len(got) != 1 || got[0] != "bye Carol (c)" {
		t.Fatalf("messages = %v", got)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	srv := newProtocolServer(t, map[string]string{})
	tests := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"bad schedule", func(c map[string]any) {
			c["monitor"].(map[string]any)["schedule"] = "every tuesday"
		}},
		{"missing wxid", func(c map[string]any) {
			c["protocol"].(map[string]any)["wxid"] = ""
		}},
		{"unknown key", func(c map[string]any) { c["plugins"] = map[string]any{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			cfg := baseConfig(t, srv, dir)
			tt.mutate(cfg)
			if _, err := New(writeConfig(t, dir, cfg)); err == nil {
				t.Fatal("New accepted invalid config")
			}
		})
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      config.StorageConfig
		want    storage.Config
		wantErr bool
	}{
		{in: config.StorageConfig{}, want: storage.Config{Driver: "sqlite", Path: config.DefaultStoragePath, BusyTimeout: time.Second}},
		{in: config.StorageConfig{Driver: "SQLite3", Path: "x.db", BusyTimeout: "3s"}, want: storage.Config{Driver: "sqlite", Path: "x.db", BusyTimeout: 3 * time.Second}},
		{in: config.StorageConfig{Driver: "memory", Path: "ignored"}, want: storage.Config{Driver: "memory"}},
		{in: config.StorageConfig{Driver: "redis"}, wantErr: true},
		{in: config.StorageConfig{BusyTimeout: "soon"}, wantErr: true},
	}
	for i, tt := range tests {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			t.Parallel()
			got, err := mapStorageConfig(&config.Config{Storage: tt.in})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestMapLogConfigDebugOverride(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Logging: config.LoggingConfig{Level: "warn", Console: true}}
	if got := mapLogConfig(cfg).Level; got != "warn" {
		t.Fatalf("level = %s", got)
	}
	cfg.Monitor.Debug = true
	if got := mapLogConfig(cfg).Level; got != "debug" {
		t.Fatalf("monitor.debug level = %s", got)
	}
}

func TestMapNotifierConfig(t *testing.T) {
	t.Parallel()
	got, err := mapNotifierConfig(&config.Config{})
	if err != nil || got.RetryMax != defaultRetryMax {
		t.Fatalf("omitted section = %+v, %v", got, err)
	}
	got, err = mapNotifierConfig(&config.Config{Notifier: &config.NotifierConfig{
		RatePerSec: 2, RetryMax: 1, RetryBase: "100ms", RetryMaxDelay: "2s", SendTimeout: "5s",
	}})
	if err != nil {
		t.Fatal(err)
	}
	if got.RatePerSec != 2 || got.RetryMax != 1 || got.RetryBase != 100*time.Millisecond ||
		got.RetryMaxDelay != 2*time.Second || got.SendTimeout != 5*time.Second {
		t.Fatalf("mapped = %+v", got)
	}
}

func TestMapTelegramConfig(t *testing.T) {
	t.Parallel()
	if _, ok := mapTelegramConfig(&config.Config{}, time.Second); ok {
		t.Fatal("disabled telegram mapped")
	}
	tc, ok := mapTelegramConfig(&config.Config{Telegram: config.TelegramConfig{
		Enabled: true, Token: "t", ChatID: 7, Groups: map[string]int64{" g@chatroom ": 9},
	}}, time.Second)
	if !ok || tc.ChatID != 7 || tc.Groups["g@chatroom"] != 9 || tc.Timeout != time.Second {
		t.Fatalf("mapped = %+v, %v", tc, ok)
	}
}
