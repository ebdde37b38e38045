package whatsapp

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/talkincode/wabridge/internal/session"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.uber.org/zap"
)

const storeFile = "device.db"

// Provider keeps one whatsmeow sqlite store per session under dir:
//
//	<dir>/<session id>/device.db
type Provider struct {
	dir string
}

var _ session.Provider = (*Provider)(nil)

func NewProvider(dir string) *Provider {
	return &Provider{dir: dir}
}

func (p *Provider) storeDir(id string) string {
	return filepath.Join(p.dir, id)
}

// Acquire opens the store of id, creating an empty device on first use, and
// wraps a fresh client around it. The client is not connected yet.
func (p *Provider) Acquire(ctx context.Context, id string, emit session.Emit) (session.Handle, error) {
	if !session.ValidID(id) {
		return nil, session.ErrInvalidSessionID
	}
	if err := os.MkdirAll(p.storeDir(id), 0o700); err != nil {
		return nil, errors.Wrapf(err, "create store dir of %s", id)
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.Join(p.storeDir(id), storeFile))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open store of %s", id)
	}
	log := NewLogger("whatsmeow").Sub(id)
	container := sqlstore.NewWithDB(db, "sqlite3", log.Sub("Database"))
	if err := container.Upgrade(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "upgrade store of %s", id)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, errors.Wrapf(err, "load device of %s", id)
	}

	cli := whatsmeow.NewClient(device, log.Sub("Client"))
	cli.EnableAutoReconnect = false
	c := &Client{
		id:        id,
		cli:       cli,
		container: container,
		emit:      emit,
	}
	cli.AddEventHandler(c.handleEvent)
	zap.L().Debug("whatsapp: store opened",
		zap.String("session", id),
		zap.Bool("paired", device.ID != nil))
	return c, nil
}

// Erase removes the whole store directory of id.
func (p *Provider) Erase(ctx context.Context, id string) error {
	if !session.ValidID(id) {
		return session.ErrInvalidSessionID
	}
	return errors.Wrapf(os.RemoveAll(p.storeDir(id)), "erase store of %s", id)
}

// Known lists the sessions that have a store on disk.
func (p *Provider) Known(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(p.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "list stores")
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() || !session.ValidID(e.Name()) {
			continue
		}
		if _, err := os.Stat(filepath.Join(p.dir, e.Name(), storeFile)); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}
