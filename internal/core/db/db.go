package db

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/gridforce/fleet/internal/core/auth"
)

const (
	StatusOnline  = "ONLINE"
	StatusOffline = "OFFLINE"
)

type Node struct {
	ID           string `gorm:"primaryKey"`
	PublicKey    string
	Salt         string
	SaltIssuedAt *time.Time
	IPAddress    string
	Status       string
	LastSeen     time.Time
	CreatedAt    time.Time
}

// TelemetryDocument is one decoded HardwareState, LogEntry or DemoProcState
// payload, stored as JSON under its index.
type TelemetryDocument struct {
	ID        uint      `gorm:"primaryKey"`
	Index     string    `gorm:"column:index_name;index"`
	NodeID    string    `gorm:"index"`
	Timestamp time.Time `gorm:"index"`
	Document  string    `gorm:"type:jsonb"`
}

// Provisioning tracks one node addition request.
type Provisioning struct {
	ID           uint   `gorm:"primaryKey"`
	NodeID       string `gorm:"uniqueIndex"`
	SourceNodeID string
	IPAddress    string
	Username     string
	Requester    string
	State        string
	Message      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Store is the postgres backed node directory. It serves public keys and
// preauth challenges to the handshake, and doubles as the telemetry sink.
type Store struct {
	db           *gorm.DB
	logger       *slog.Logger
	challengeTTL time.Duration
	nowFn        func() time.Time
}

// DSN builds a postgres connection string from its parts.
func DSN(host, user, password, name, port string) string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		host, user, password, name, port)
}

// Open connects to postgres and migrates the schema.
func Open(dsn string, log *slog.Logger) (*Store, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return New(gdb, log)
}

// New wraps an already opened gorm handle.
func New(gdb *gorm.DB, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := gdb.AutoMigrate(&Node{}, &TelemetryDocument{}, &Provisioning{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	log.Info("database connection established")
	return &Store{db: gdb, logger: log, nowFn: time.Now}, nil
}

// SetChallengeTTL makes salts older than ttl count as absent. Zero disables
// expiry.
func (s *Store) SetChallengeTTL(ttl time.Duration) { s.challengeTTL = ttl }

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) node(uid string) (Node, error) {
	var n Node
	err := s.db.First(&n, "id = ?", uid).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Node{}, fmt.Errorf("%w: %s", auth.ErrUnknownNode, uid)
	}
	return n, err
}

func (s *Store) PublicKey(uid string) (*ecdsa.PublicKey, error) {
	n, err := s.node(uid)
	if err != nil {
		return nil, err
	}
	if n.PublicKey == "" {
		return nil, fmt.Errorf("%w: %s has no public key", auth.ErrUnknownNode, uid)
	}
	return auth.ParsePublicKey(n.PublicKey)
}

func (s *Store) SetClientSalt(uid, salt string) error {
	now := s.nowFn()
	res := s.db.Model(&Node{}).Where("id = ?", uid).
		Updates(map[string]any{"salt": salt, "salt_issued_at": &now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", auth.ErrUnknownNode, uid)
	}
	return nil
}

func (s *Store) ClientSalt(uid string) (string, error) {
	n, err := s.node(uid)
	if err != nil {
		return "", err
	}
	if s.expired(n.SaltIssuedAt) {
		return "", nil
	}
	return n.Salt, nil
}

// ConsumeClientSalt clears the salt with a conditional update, so two
// concurrent verifications of one token cannot both succeed.
func (s *Store) ConsumeClientSalt(uid, salt string) (bool, error) {
	if salt == "" {
		return false, nil
	}
	q := s.db.Model(&Node{}).Where("id = ? AND salt = ?", uid, salt)
	if s.challengeTTL > 0 {
		q = q.Where("salt_issued_at > ?", s.nowFn().Add(-s.challengeTTL))
	}
	res := q.Updates(map[string]any{"salt": "", "salt_issued_at": nil})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) expired(issuedAt *time.Time) bool {
	if s.challengeTTL <= 0 {
		return false
	}
	return issuedAt == nil || s.nowFn().Sub(*issuedAt) > s.challengeTTL
}

// RegisterNode creates or rekeys a node.
func (s *Store) RegisterNode(uid string, pub *ecdsa.PublicKey) error {
	n := Node{ID: uid, PublicKey: auth.EncodePublicKey(pub), Status: StatusOffline}
	return s.db.Where(Node{ID: uid}).Assign(Node{PublicKey: n.PublicKey}).FirstOrCreate(&n).Error
}

func (s *Store) MarkOnline(uid, ip string) error {
	return s.db.Model(&Node{}).Where("id = ?", uid).
		Updates(map[string]any{"status": StatusOnline, "ip_address": ip, "last_seen": s.nowFn()}).Error
}

func (s *Store) MarkOffline(uid string) error {
	return s.db.Model(&Node{}).Where("id = ?", uid).
		Updates(map[string]any{"status": StatusOffline, "last_seen": s.nowFn()}).Error
}

// Nodes lists every known node.
func (s *Store) Nodes(ctx context.Context) ([]Node, error) {
	var nodes []Node
	err := s.db.WithContext(ctx).Order("id").Find(&nodes).Error
	return nodes, err
}

// Insert stores a telemetry document.
func (s *Store) Insert(ctx context.Context, index string, doc map[string]any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode telemetry document: %w", err)
	}
	row := TelemetryDocument{Index: index, Document: string(raw), Timestamp: s.nowFn()}
	if node, ok := doc["node"].(string); ok {
		row.NodeID = node
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// Documents returns the newest documents of an index, newest first.
func (s *Store) Documents(ctx context.Context, index, node string, limit int) ([]TelemetryDocument, error) {
	var docs []TelemetryDocument
	q := s.db.WithContext(ctx).Where("index_name = ?", index)
	if node != "" {
		q = q.Where("node_id = ?", node)
	}
	err := q.Order("timestamp desc").Limit(limit).Find(&docs).Error
	return docs, err
}

func (s *Store) CreateProvisioning(p *Provisioning) error {
	return s.db.Create(p).Error
}

func (s *Store) UpdateProvisioning(nodeUID, state, message string) error {
	return s.db.Model(&Provisioning{}).Where("node_id = ?", nodeUID).
		Updates(map[string]any{"state": state, "message": message}).Error
}

func (s *Store) Provisioning(nodeUID string) (Provisioning, error) {
	var p Provisioning
	err := s.db.First(&p, "node_id = ?", nodeUID).Error
	return p, err
}
