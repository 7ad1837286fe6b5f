package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/danmuck/edgechat/internal/client"
	"github.com/danmuck/edgechat/internal/protocol/session"
	"github.com/danmuck/edgechat/internal/server"
)

const (
	KindServer = "server"
	KindClient = "client"
)

// Template renders a commented starter file for kind holding the defaults.
func Template(kind string) (string, error) {
	var doc any
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindServer:
		doc = serverTemplate()
	case KindClient:
		doc = clientTemplate()
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetIndentTables(true)
	if err := enc.Encode(doc); err != nil {
		return "", fmt.Errorf("render %s template: %w", kind, err)
	}
	return buf.String(), nil
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

// Validate loads path as kind and reports the first problem.
func Validate(path, kind string) error {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindServer:
		_, err := LoadServerWithEnv(path, nil)
		return err
	case KindClient:
		_, err := LoadClient(path)
		return err
	default:
		return fmt.Errorf("unknown config kind: %s", kind)
	}
}

func serverTemplate() serverFile {
	d := server.DefaultServiceConfig()
	return serverFile{
		ID:            d.ServerID,
		Name:          d.Name,
		Addr:          d.ListenAddr,
		Path:          d.Path,
		CORSOrigins:   []string{"http://localhost:3000"},
		ShutdownGrace: d.ShutdownGrace.String(),
		ReadLimit:     d.ReadLimit,
		HistorySize:   d.Room.HistorySize,
		OutboxSize:    d.Room.OutboxSize,
		DefaultName:   d.Room.DefaultName,
		MaxLogins:     d.Room.MaxLoginAttempts,
		Session:       sessionTemplate(d.Session),
	}
}

func clientTemplate() clientFile {
	d := client.DefaultConfig()
	return clientFile{
		Addr:               d.Address,
		Path:               d.Path,
		MaxLoginAttempts:   d.MaxLoginAttempts,
		MaxConnectAttempts: d.MaxConnectAttempts,
		Servers: []targetFile{
			{Name: "local", Addr: d.Address},
		},
		Session: sessionTemplate(d.Session),
	}
}

func sessionTemplate(s session.Config) sessionFile {
	return sessionFile{
		SecurityMode:      string(s.SecurityMode),
		ConnectTimeout:    s.ConnectTimeout.String(),
		HandshakeTimeout:  s.HandshakeTimeout.String(),
		ReadTimeout:       s.ReadTimeout.String(),
		WriteTimeout:      s.WriteTimeout.String(),
		HeartbeatInterval: s.HeartbeatInterval.String(),
		PongTimeout:       s.PongTimeout.String(),
	}
}
