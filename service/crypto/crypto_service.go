/*
 * @module service/crypto/crypto_service
 * @description 转发载荷加密服务：AES-256-GCM 会话密钥加密数据，再用密钥库中的活动密钥包裹会话密钥
 * @architecture 信封加密 - 会话密钥 + 密钥加密密钥(KEK)
 * @documentReference dev_docs/gateway_design.md
 * @stateFlow 解析KEK(按名称/默认密钥名/主密钥，经缓存读取密钥库当前活动版本) -> 生成会话密钥 -> 加密数据 -> 包裹会话密钥 -> 组装信封
 * @rules 同一名称同时只有一个活动密钥，由管理层保证；此处只消费"名称X的当前活动密钥"
 * @dependencies crypto/aes, crypto/cipher, golang.org/x/crypto/hkdf
 * @refs service/forwarders/base.go, service/config
 */

package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"gateway-service/service/models"

	"golang.org/x/crypto/hkdf"
)

// Algorithm 加密算法标识
const Algorithm = "AES-256-GCM"

const keySize = 32

// ErrKeyNotFound 指定名称没有活动密钥
var ErrKeyNotFound = errors.New("未找到活动密钥")

// KeyProvider 活动密钥来源（配置服务实现）
type KeyProvider interface {
	GetActiveEncryptionKey(ctx context.Context, name string) (*models.EncryptionKey, error)
}

// VersionedKeyProvider 可按名称+版本查询历史密钥，用于解密轮换前加密的信封
type VersionedKeyProvider interface {
	GetEncryptionKeyVersion(ctx context.Context, name, version string) (*models.EncryptionKey, error)
}

// Envelope 加密信封
type Envelope struct {
	Ciphertext   string `json:"ciphertext"`
	Nonce        string `json:"nonce"`
	EncryptedKey string `json:"encrypted_key"`
	KeyNonce     string `json:"key_nonce"`
	Algorithm    string `json:"algorithm"`
	KeyName      string `json:"key_name,omitempty"`
	KeyVersion   string `json:"key_version,omitempty"`
}

type kek struct {
	name    string
	version string
	key     []byte
}

// Service 加密服务
type Service struct {
	mu     sync.RWMutex
	master kek
	// defaultName 未指定密钥名称时使用的密钥名，为空时使用主密钥
	defaultName string
	keys        KeyProvider
	keyTTL      time.Duration
	keyCache    map[string]cachedKEK
	// versions 按 名称@版本 缓存的历史密钥，只用于解密
	versions map[string]kek
}

type cachedKEK struct {
	kek      kek
	loadedAt time.Time
}

// NewService 创建加密服务，主密钥经 HKDF-SHA256 派生为32字节
func NewService(masterKey string, keys KeyProvider) (*Service, error) {
	if masterKey == "" {
		return nil, fmt.Errorf("主密钥不能为空")
	}
	key, err := deriveKey([]byte(masterKey), "gateway-master")
	if err != nil {
		return nil, err
	}
	return &Service{
		master:   kek{name: "master", version: "v1", key: key},
		keys:     keys,
		keyTTL:   time.Minute,
		keyCache: make(map[string]cachedKEK),
		versions: make(map[string]kek),
	}, nil
}

func deriveKey(material []byte, info string) ([]byte, error) {
	out := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, material, nil, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("派生密钥失败: %w", err)
	}
	return out, nil
}

// UpdateActiveKey 设置默认密钥（未指定密钥名称时使用）并预热其缓存。
// 有密钥库时缓存过期或失效后仍以密钥库中该名称的当前活动版本为准
func (s *Service) UpdateActiveKey(name, version string, material []byte) error {
	if len(material) == 0 {
		return fmt.Errorf("密钥材料不能为空")
	}
	key, err := deriveKey(material, name+":"+version)
	if err != nil {
		return err
	}
	k := kek{name: name, version: version, key: key}
	s.mu.Lock()
	s.defaultName = name
	s.keyCache[name] = cachedKEK{kek: k, loadedAt: time.Now()}
	s.versions[versionKey(name, version)] = k
	s.mu.Unlock()
	return nil
}

// DefaultKeyName 当前默认密钥名称
func (s *Service) DefaultKeyName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaultName
}

// InvalidateKey 清除指定名称的全部缓存（含默认密钥与历史版本），下次使用时重新读取密钥库
func (s *Service) InvalidateKey(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keyCache, name)
	prefix := name + "@"
	for k := range s.versions {
		if strings.HasPrefix(k, prefix) {
			delete(s.versions, k)
		}
	}
}

func versionKey(name, version string) string {
	return name + "@" + version
}

// resolveKEK 按名称解析当前活动KEK：缓存 -> 密钥库；未指定名称时使用默认密钥，再退回主密钥
func (s *Service) resolveKEK(ctx context.Context, name string) (kek, error) {
	s.mu.RLock()
	if name == "" {
		name = s.defaultName
	}
	if name == "" || name == s.master.name {
		defer s.mu.RUnlock()
		return s.master, nil
	}
	cached, ok := s.keyCache[name]
	s.mu.RUnlock()

	// 没有密钥库时缓存是唯一来源，不过期
	if ok && (s.keys == nil || time.Since(cached.loadedAt) < s.keyTTL) {
		return cached.kek, nil
	}
	if s.keys == nil {
		return kek{}, fmt.Errorf("%w: %s", ErrKeyNotFound, name)
	}

	record, err := s.keys.GetActiveEncryptionKey(ctx, name)
	if err != nil {
		return kek{}, fmt.Errorf("%w: %s: %v", ErrKeyNotFound, name, err)
	}
	if record == nil || !record.IsActive || record.IsExpired(time.Now()) {
		return kek{}, fmt.Errorf("%w: %s", ErrKeyNotFound, name)
	}
	resolved, err := fromRecord(record)
	if err != nil {
		return kek{}, err
	}

	s.mu.Lock()
	s.keyCache[name] = cachedKEK{kek: resolved, loadedAt: time.Now()}
	s.versions[versionKey(resolved.name, resolved.version)] = resolved
	s.mu.Unlock()
	return resolved, nil
}

// resolveVersion 解密用：优先匹配信封记录的版本，版本缺失时使用当前活动密钥
func (s *Service) resolveVersion(ctx context.Context, name, version string) (kek, error) {
	if version == "" || name == "" || name == s.master.name {
		return s.resolveKEK(ctx, name)
	}

	s.mu.RLock()
	k, ok := s.versions[versionKey(name, version)]
	s.mu.RUnlock()
	if ok {
		return k, nil
	}

	active, activeErr := s.resolveKEK(ctx, name)
	if activeErr == nil && active.version == version {
		return active, nil
	}
	vp, ok := s.keys.(VersionedKeyProvider)
	if !ok {
		return kek{}, fmt.Errorf("%w: %s@%s", ErrKeyNotFound, name, version)
	}
	record, err := vp.GetEncryptionKeyVersion(ctx, name, version)
	if err != nil || record == nil {
		return kek{}, fmt.Errorf("%w: %s@%s: %v", ErrKeyNotFound, name, version, err)
	}
	resolved, err := fromRecord(record)
	if err != nil {
		return kek{}, err
	}
	s.mu.Lock()
	s.versions[versionKey(name, version)] = resolved
	s.mu.Unlock()
	return resolved, nil
}

func fromRecord(record *models.EncryptionKey) (kek, error) {
	material, err := base64.StdEncoding.DecodeString(record.KeyMaterial)
	if err != nil {
		return kek{}, fmt.Errorf("密钥材料解码失败: %w", err)
	}
	key, err := deriveKey(material, record.Name+":"+record.Version)
	if err != nil {
		return kek{}, err
	}
	return kek{name: record.Name, version: record.Version, key: key}, nil
}

func seal(key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("创建AES块失败: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("创建GCM失败: %w", err)
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("生成随机数失败: %w", err)
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

func open(key, ciphertext, nonce []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("创建AES块失败: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("创建GCM失败: %w", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("随机数长度非法: %d", len(nonce))
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// EncryptMessage 加密数据：随机会话密钥加密数据，KEK 包裹会话密钥
func (s *Service) EncryptMessage(ctx context.Context, data []byte, keyName string) (*Envelope, error) {
	k, err := s.resolveKEK(ctx, keyName)
	if err != nil {
		return nil, err
	}

	sessionKey := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, sessionKey); err != nil {
		return nil, fmt.Errorf("生成会话密钥失败: %w", err)
	}

	ciphertext, nonce, err := seal(sessionKey, data)
	if err != nil {
		return nil, err
	}
	wrapped, keyNonce, err := seal(k.key, sessionKey)
	if err != nil {
		return nil, err
	}

	enc := base64.StdEncoding.EncodeToString
	return &Envelope{
		Ciphertext:   enc(ciphertext),
		Nonce:        enc(nonce),
		EncryptedKey: enc(wrapped),
		KeyNonce:     enc(keyNonce),
		Algorithm:    Algorithm,
		KeyName:      k.name,
		KeyVersion:   k.version,
	}, nil
}

// DecryptMessage 解密信封
func (s *Service) DecryptMessage(ctx context.Context, env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("加密信封不能为空")
	}
	if env.Algorithm != "" && env.Algorithm != Algorithm {
		return nil, fmt.Errorf("不支持的加密算法: %s", env.Algorithm)
	}

	k, err := s.resolveVersion(ctx, env.KeyName, env.KeyVersion)
	if err != nil {
		return nil, err
	}

	fields := make([][]byte, 4)
	for i, v := range []string{env.Ciphertext, env.Nonce, env.EncryptedKey, env.KeyNonce} {
		b, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("信封字段解码失败: %w", err)
		}
		fields[i] = b
	}

	sessionKey, err := open(k.key, fields[2], fields[3])
	if err != nil {
		return nil, fmt.Errorf("解包会话密钥失败: %w", err)
	}
	plaintext, err := open(sessionKey, fields[0], fields[1])
	if err != nil {
		return nil, fmt.Errorf("解密数据失败: %w", err)
	}
	return plaintext, nil
}

// WrapPayload 将载荷加密为带版本/元数据的信封结构
func (s *Service) WrapPayload(ctx context.Context, payload interface{}, settings models.EncryptionSettings) (map[string]interface{}, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("序列化载荷失败: %w", err)
	}
	env, err := s.EncryptMessage(ctx, data, settings.KeyName)
	if err != nil {
		return nil, err
	}

	version := settings.KeyVersion
	if version == "" {
		version = "v1"
	}
	meta := map[string]interface{}{
		"algorithm":   Algorithm,
		"version":     version,
		"key_name":    env.KeyName,
		"key_version": env.KeyVersion,
	}
	for k, v := range settings.Metadata {
		if _, exists := meta[k]; !exists {
			meta[k] = v
		}
	}

	return map[string]interface{}{
		"encrypted_payload": env,
		"encryption":        meta,
	}, nil
}

// UnwrapPayload 解析 WrapPayload 生成的信封并还原载荷
func (s *Service) UnwrapPayload(ctx context.Context, wrapped []byte) (map[string]interface{}, error) {
	var body struct {
		EncryptedPayload *Envelope `json:"encrypted_payload"`
	}
	if err := json.Unmarshal(wrapped, &body); err != nil {
		return nil, fmt.Errorf("解析加密信封失败: %w", err)
	}
	plaintext, err := s.DecryptMessage(ctx, body.EncryptedPayload)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(plaintext, &out); err != nil {
		return nil, fmt.Errorf("解析明文失败: %w", err)
	}
	return out, nil
}
