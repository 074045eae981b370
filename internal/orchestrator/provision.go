package orchestrator

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/template"

	"github.com/google/uuid"

	"github.com/gridforce/fleet/internal/core/auth"
	"github.com/gridforce/fleet/internal/core/db"
	"github.com/gridforce/fleet/internal/core/fleet"
	"github.com/gridforce/fleet/internal/core/session"
	"github.com/gridforce/fleet/pkg/protocol"
)

// KeyRegistrar makes a new node's public key known to the handshake.
type KeyRegistrar interface {
	RegisterNode(uid string, pub *ecdsa.PublicKey) error
}

// KeyRegistrarFunc adapts a function, such as keydir.Dir.Add, to
// KeyRegistrar.
type KeyRegistrarFunc func(uid string, pub *ecdsa.PublicKey) error

func (f KeyRegistrarFunc) RegisterNode(uid string, pub *ecdsa.PublicKey) error { return f(uid, pub) }

// ProvisioningLog persists the progress of node additions.
type ProvisioningLog interface {
	CreateProvisioning(p *db.Provisioning) error
	UpdateProvisioning(nodeUID, state, message string) error
}

// ScriptData is what a provisioning script template can reference.
type ScriptData struct {
	UID           string
	PrivateKeyHex string
	ServerURL     string
	WebSocketURL  string
	PreauthURL    string
}

const defaultProvisionScript = `set -e
mkdir -p /etc/fleet
umask 077
printf '%s\n' '{{.PrivateKeyHex}}' > /etc/fleet/node.key
cat > /etc/fleet/node.yaml <<'FLEET_EOF'
uid: {{.UID}}
private_key_path: /etc/fleet/node.key
server_root_path: {{.WebSocketURL}}
preauth_source: {{.PreauthURL}}
FLEET_EOF
curl -fsSL {{.ServerURL}}/static/provider -o /usr/local/bin/fleet-provider
chmod 755 /usr/local/bin/fleet-provider
cat > /etc/systemd/system/fleet-provider.service <<'FLEET_EOF'
[Unit]
Description=fleet node agent
After=network-online.target

[Service]
ExecStart=/usr/local/bin/fleet-provider run --config /etc/fleet/node.yaml
Restart=always
RestartSec=5

[Install]
WantedBy=multi-user.target
FLEET_EOF
systemctl daemon-reload
systemctl enable --now fleet-provider
`

// Provisioner adds nodes: it mints an identity, registers its key and
// installs the agent over ssh from an existing node.
type Provisioner struct {
	engine    *session.Engine
	keys      KeyRegistrar
	records   ProvisioningLog
	script    *template.Template
	serverURL string
	logger    *slog.Logger
}

// NewProvisioner parses the script template at scriptPath, or uses the
// built-in one when scriptPath is empty. Records may be nil.
func NewProvisioner(engine *session.Engine, keys KeyRegistrar, records ProvisioningLog, scriptPath, serverURL string, logger *slog.Logger) (*Provisioner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	text := defaultProvisionScript
	if scriptPath != "" {
		raw, err := os.ReadFile(scriptPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read provisioning script: %w", err)
		}
		text = string(raw)
	}
	tmpl, err := template.New("provision").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse provisioning script: %w", err)
	}
	return &Provisioner{
		engine:    engine,
		keys:      keys,
		records:   records,
		script:    tmpl,
		serverURL: strings.TrimRight(serverURL, "/"),
		logger:    logger,
	}, nil
}

// Render fills the provisioning script for a node.
func (p *Provisioner) Render(uid string, key *ecdsa.PrivateKey) (string, error) {
	ws := p.serverURL + "/ws"
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	var buf bytes.Buffer
	err := p.script.Execute(&buf, ScriptData{
		UID:           uid,
		PrivateKeyHex: auth.EncodePrivateKey(key),
		ServerURL:     p.serverURL,
		WebSocketURL:  ws,
		PreauthURL:    p.serverURL + "/preauth",
	})
	if err != nil {
		return "", fmt.Errorf("failed to render provisioning script: %w", err)
	}
	return buf.String(), nil
}

// Start begins adding the host in req. The requester is subscribed to the
// bootstrap session and told the outcome with NodeAdditionManagement
// packets. It returns the new node's uid.
func (p *Provisioner) Start(_ context.Context, requester *fleet.Connection, req *protocol.NodeAdditionRequest) (string, error) {
	uid := uuid.NewString()
	logger := p.logger.With("new_node", uid, "ip", req.IP, "source", req.SourceNodeUID)

	fail := func(err error) (string, error) {
		logger.Warn("node addition failed", "error", err)
		p.record(uid, protocol.AdditionFailed, err.Error())
		_ = requester.Send(&protocol.NodeAdditionManagement{NodeUID: uid, State: protocol.AdditionFailed, Message: err.Error()})
		return uid, err
	}

	if p.records != nil {
		if err := p.records.CreateProvisioning(&db.Provisioning{
			NodeID:       uid,
			SourceNodeID: req.SourceNodeUID,
			IPAddress:    req.IP,
			Username:     req.Username,
			Requester:    requester.UID(),
			State:        protocol.AdditionPending,
		}); err != nil {
			logger.Error("failed to record node addition", "error", err)
		}
	}

	key, err := auth.GenerateKey()
	if err != nil {
		return fail(err)
	}
	if err := p.keys.RegisterNode(uid, &key.PublicKey); err != nil {
		return fail(fmt.Errorf("failed to register node key: %w", err))
	}
	script, err := p.Render(uid, key)
	if err != nil {
		return fail(err)
	}

	if err := requester.Send(&protocol.NodeAdditionManagement{
		NodeUID: uid,
		State:   protocol.AdditionPending,
		Message: fmt.Sprintf("installing on %s through %s", req.IP, req.SourceNodeUID),
	}); err != nil {
		logger.Warn("requester went away", "error", err)
	}

	done := func(_ *session.Session, rc int, message string) error {
		state, msg := protocol.AdditionInstalled, fmt.Sprintf("node %s installed on %s", uid, req.IP)
		if rc != 0 {
			state, msg = protocol.AdditionFailed, fmt.Sprintf("installation on %s exited with code %d: %s", req.IP, rc, message)
		}
		logger.Info("node addition finished", "state", state, "return_value", rc)
		p.record(uid, state, msg)
		if err := requester.Send(&protocol.NodeAdditionManagement{NodeUID: uid, State: state, Message: msg}); err != nil {
			return fmt.Errorf("failed to report node addition: %w", err)
		}
		return nil
	}
	s, err := p.engine.OpenSSHBootstrap(req.SourceNodeUID, script, req.Username, req.IP, req.Password, requester, done)
	if err != nil {
		return fail(err)
	}
	logger.Info("node addition started", "session", s.ID())
	return uid, s.Run()
}

func (p *Provisioner) record(uid, state, message string) {
	if p.records == nil {
		return
	}
	if err := p.records.UpdateProvisioning(uid, state, message); err != nil {
		p.logger.Error("failed to update node addition", "new_node", uid, "error", err)
	}
}
