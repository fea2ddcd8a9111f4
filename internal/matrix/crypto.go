// ABOUTME: End-to-end encryption setup for the relay's Matrix account
// ABOUTME: Keeps a per-account crypto store and resets it when the device id changes

package matrix

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/hkdf"
	"maunium.net/go/mautrix/crypto/cryptohelper"
)

const storeKeyInfo = "coven-relay matrix crypto store"

// Crypto owns the encryption state of a Client.
type Crypto struct {
	helper *cryptohelper.CryptoHelper
	logger *slog.Logger
}

// SetupCrypto enables encryption for c, storing keys under dataDir. Without a
// recovery key encryption still works but the device is not cross-signed.
func SetupCrypto(ctx context.Context, c *Client, dataDir string) (*Crypto, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	logger := c.logger.With("component", "matrix-crypto")

	userID := c.UserID()
	dbPath := filepath.Join(dataDir, fmt.Sprintf("matrix-crypto-%s.db", slugify(userID)))
	logger.Info("setting up encryption", "db", dbPath)

	mx := c.Mautrix()
	if err := resetOnDeviceChange(dbPath, mx.DeviceID.String(), logger); err != nil {
		return nil, err
	}

	key, err := deriveStoreKey(userID, mx.DeviceID.String())
	if err != nil {
		return nil, err
	}
	helper, err := cryptohelper.NewCryptoHelper(mx, key, dbPath)
	if err != nil {
		return nil, fmt.Errorf("creating crypto helper: %w", err)
	}
	if err := helper.Init(ctx); err != nil {
		return nil, fmt.Errorf("initializing crypto helper: %w", err)
	}
	mx.Crypto = helper

	if c.cfg.RecoveryKey == "" {
		logger.Info("encryption initialized without cross-signing")
		return &Crypto{helper: helper, logger: logger}, nil
	}
	if machine := helper.Machine(); machine == nil {
		logger.Warn("crypto machine not initialized, skipping recovery key")
	} else if err := machine.VerifyWithRecoveryKey(ctx, c.cfg.RecoveryKey); err != nil {
		logger.Warn("recovery key verification failed", "error", err)
	} else {
		logger.Info("device verified with recovery key")
	}
	return &Crypto{helper: helper, logger: logger}, nil
}

// Close releases the crypto store.
func (cr *Crypto) Close() error {
	if cr == nil || cr.helper == nil {
		return nil
	}
	return cr.helper.Close()
}

// slugify converts a Matrix user ID to a filesystem-safe string.
// Example: @covenbot:matrix.org -> covenbot_matrix.org
func slugify(userID string) string {
	s := userID
	if len(s) > 0 && s[0] == '@' {
		s = s[1:]
	}
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '.', ch == '-', ch == '_':
			out = append(out, ch)
		case ch == ':':
			out = append(out, '_')
		}
	}
	return string(out)
}

// deriveStoreKey derives the 32-byte pickle key for the crypto store of one
// account and device. A new device id starts a new store anyway.
func deriveStoreKey(userID, deviceID string) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(userID+"|"+deviceID), []byte(userID), []byte(storeKeyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving store key: %w", err)
	}
	return key, nil
}

// resetOnDeviceChange removes the crypto store when it belongs to another device.
func resetOnDeviceChange(dbPath, deviceID string, logger *slog.Logger) error {
	mismatch, err := deviceMismatch(dbPath, deviceID)
	if err != nil {
		logger.Debug("could not check stored device id", "error", err)
		return nil
	}
	if !mismatch {
		return nil
	}
	logger.Warn("device id changed, resetting crypto store", "device_id", deviceID)
	if err := os.Remove(dbPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing old crypto database: %w", err)
	}
	_ = os.Remove(dbPath + "-wal")
	_ = os.Remove(dbPath + "-shm")
	return nil
}

// deviceMismatch reports whether an existing store was created for a different device.
func deviceMismatch(dbPath, deviceID string) (bool, error) {
	if _, err := os.Stat(dbPath); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return false, err
	}
	defer db.Close()

	var stored string
	err = db.QueryRow("SELECT device_id FROM crypto_account LIMIT 1").Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return stored != deviceID, nil
}
