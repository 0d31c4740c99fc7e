// Package tokenstore keeps per-(device, role) bearer tokens encrypted,
// integrity-tagged and expiring at rest.
//
// A stored value is base64(nonce || AES-GCM(record)) where record is
//
//	v1:<expiresAtEpochMs>:<base64 hmac>:<token>
//
// The HMAC-SHA256 tag covers token, device id, role and expiry under a key
// derived from the encryption key and the (device, role) pair. Anything that
// fails to decode, decrypt, parse or verify reads as "no token".
package tokenstore

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/postalsys/gatelink/internal/crypto"
	"github.com/postalsys/gatelink/internal/keystore"
	"github.com/postalsys/gatelink/internal/kvstore"
	"github.com/postalsys/gatelink/internal/logging"
)

const (
	// DefaultTTL is how long a saved token stays valid.
	DefaultTTL = 30 * 24 * time.Hour

	recordVersion    = "v1"
	storageKeyPrefix = "tok_"
	storageKeyLength = 32
	hmacKeySize      = 32
)

var (
	storageKeySalt = []byte("gatelink/tokenstore/storage-key/v1")
	hmacSalt       = []byte("gatelink/tokenstore/hmac/v1")
)

var (
	errMalformed    = errors.New("malformed token record")
	errVersion      = errors.New("unsupported token record version")
	errExpired      = errors.New("token expired")
	errBlankToken   = errors.New("blank token")
	errTagMismatch  = errors.New("token integrity tag mismatch")
	errDecodeStored = errors.New("stored value is not base64")
)

// Operation results reported to the Observer.
const (
	ResultOK      = "ok"
	ResultAbsent  = "absent"
	ResultExpired = "expired"
	ResultInvalid = "invalid"
	ResultError   = "error"
)

// Observer receives one observation per store operation.
type Observer interface {
	ObserveTokenOp(op, result string)
}

// Options configures a Store.
type Options struct {
	// TTL defaults to DefaultTTL.
	TTL time.Duration
	// Now defaults to time.Now.
	Now      func() time.Time
	Observer Observer
	Logger   *slog.Logger
}

// Store is the auth token store. It is safe for concurrent use; operations on
// the same (device, role) pair are not ordered against each other.
type Store struct {
	kv       kvstore.Store
	keys     keystore.Provider
	ttl      time.Duration
	now      func() time.Time
	observer Observer
	logger   *slog.Logger
}

// New creates a store persisting into kv with its encryption key held by keys.
func New(kv kvstore.Store, keys keystore.Provider, opts Options) *Store {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		kv:       kv,
		keys:     keys,
		ttl:      opts.TTL,
		now:      opts.Now,
		observer: opts.Observer,
		logger:   logging.Component(opts.Logger, "tokenstore"),
	}
}

// SaveToken stores token for (deviceID, role). A blank token clears the
// record instead. Failures are logged and leave nothing persisted.
func (s *Store) SaveToken(deviceID, role, token string) {
	token = strings.TrimSpace(token)
	if token == "" {
		s.ClearToken(deviceID, role)
		return
	}

	key := StorageKey(deviceID, role)
	value, err := s.seal(key, deviceID, role, token, s.now().Add(s.ttl))
	if err == nil {
		err = s.kv.Put(key, value)
	}
	if err != nil {
		s.logger.Warn("token not saved", logging.KeyRole, normalize(role), logging.KeyError, err)
		s.observe("save", ResultError)
		return
	}
	s.observe("save", ResultOK)
}

// LoadToken returns the stored token if it exists, verifies and has not
// expired.
func (s *Store) LoadToken(deviceID, role string) (string, bool) {
	token, _, ok := s.load("load", deviceID, role)
	return token, ok
}

// HasValidToken reports whether LoadToken would return a token.
func (s *Store) HasValidToken(deviceID, role string) bool {
	_, _, ok := s.load("check", deviceID, role)
	return ok
}

// GetTokenExpiration returns the expiry of a valid stored token.
func (s *Store) GetTokenExpiration(deviceID, role string) (time.Time, bool) {
	_, exp, ok := s.load("expiration", deviceID, role)
	return exp, ok
}

// ClearToken removes the record. Errors are ignored.
func (s *Store) ClearToken(deviceID, role string) {
	if err := s.kv.Remove(StorageKey(deviceID, role)); err != nil {
		s.logger.Debug("token clear failed", logging.KeyRole, normalize(role), logging.KeyError, err)
	}
	s.observe("clear", ResultOK)
}

func (s *Store) load(op, deviceID, role string) (string, time.Time, bool) {
	key := StorageKey(deviceID, role)
	value, ok, err := s.kv.Get(key)
	if err != nil {
		s.logger.Debug("token read failed", logging.KeyRole, normalize(role), logging.KeyError, err)
		s.observe(op, ResultError)
		return "", time.Time{}, false
	}
	if !ok {
		s.observe(op, ResultAbsent)
		return "", time.Time{}, false
	}

	token, exp, err := s.open(key, deviceID, role, value)
	switch {
	case err == nil:
		s.observe(op, ResultOK)
		return token, exp, true
	case errors.Is(err, errExpired):
		s.observe(op, ResultExpired)
		_ = s.kv.Remove(key)
	default:
		s.logger.Debug("token record rejected", logging.KeyRole, normalize(role), logging.KeyError, err)
		s.observe(op, ResultInvalid)
	}
	return "", time.Time{}, false
}

func (s *Store) seal(storageKey, deviceID, role, token string, expiresAt time.Time) (string, error) {
	aeadKey, err := s.keys.GetOrCreateAEADKey(keystore.AliasTokenStore)
	if err != nil {
		return "", fmt.Errorf("encryption key: %w", err)
	}
	defer crypto.Zero(aeadKey)

	expMs := expiresAt.UnixMilli()
	tag, err := integrityTag(aeadKey, deviceID, role, token, expMs)
	if err != nil {
		return "", err
	}
	record := recordVersion + ":" + strconv.FormatInt(expMs, 10) + ":" +
		base64.StdEncoding.EncodeToString(tag) + ":" + token

	sealed, err := crypto.Seal(aeadKey, []byte(record), []byte(storageKey))
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *Store) open(storageKey, deviceID, role, value string) (string, time.Time, error) {
	sealed, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return "", time.Time{}, errDecodeStored
	}
	aeadKey, err := s.keys.GetOrCreateAEADKey(keystore.AliasTokenStore)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("encryption key: %w", err)
	}
	defer crypto.Zero(aeadKey)

	plain, err := crypto.Open(aeadKey, sealed, []byte(storageKey))
	if err != nil {
		return "", time.Time{}, err
	}

	parts := strings.SplitN(string(plain), ":", 4)
	if len(parts) != 4 {
		return "", time.Time{}, errMalformed
	}
	if parts[0] != recordVersion {
		return "", time.Time{}, fmt.Errorf("%w: %q", errVersion, parts[0])
	}
	expMs, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: expiry", errMalformed)
	}
	expiresAt := time.UnixMilli(expMs)
	if !s.now().Before(expiresAt) {
		return "", time.Time{}, errExpired
	}
	token := parts[3]
	if strings.TrimSpace(token) == "" {
		return "", time.Time{}, errBlankToken
	}
	gotTag, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: tag", errMalformed)
	}
	wantTag, err := integrityTag(aeadKey, deviceID, role, token, expMs)
	if err != nil {
		return "", time.Time{}, err
	}
	if subtle.ConstantTimeCompare(gotTag, wantTag) != 1 {
		return "", time.Time{}, errTagMismatch
	}
	return token, expiresAt, nil
}

func (s *Store) observe(op, result string) {
	if s.observer != nil {
		s.observer.ObserveTokenOp(op, result)
	}
}

// integrityTag computes HMAC-SHA256 over the length-prefixed token, device
// id, role and expiry.
func integrityTag(aeadKey []byte, deviceID, role, token string, expMs int64) ([]byte, error) {
	info := "token-hmac|" + normalize(deviceID) + "|" + normalize(role)
	key, err := crypto.DeriveKey(aeadKey, hmacSalt, info, hmacKeySize)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(key)

	mac := hmac.New(sha256.New, key)
	writeField(mac, token)
	writeField(mac, normalize(deviceID))
	writeField(mac, normalize(role))
	writeField(mac, strconv.FormatInt(expMs, 10))
	return mac.Sum(nil), nil
}

func writeField(h hash.Hash, s string) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}

// StorageKey derives the unpredictable storage key for (deviceID, role).
func StorageKey(deviceID, role string) string {
	dev := normalize(deviceID)
	h := sha256.New()
	writeField(h, string(storageKeySalt))
	writeField(h, dev)
	writeField(h, normalize(role))
	writeField(h, reverse(dev))
	encoded := base64.RawURLEncoding.EncodeToString(h.Sum(nil))
	return storageKeyPrefix + encoded[:storageKeyLength]
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func reverse(s string) string {
	r := []rune(s)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r)
}
