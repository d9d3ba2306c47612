package crypto

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"gateway-service/service/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockKeyProvider struct {
	mock.Mock
}

func (m *mockKeyProvider) GetActiveEncryptionKey(ctx context.Context, name string) (*models.EncryptionKey, error) {
	args := m.Called(ctx, name)
	if k := args.Get(0); k != nil {
		return k.(*models.EncryptionKey), args.Error(1)
	}
	return nil, args.Error(1)
}

func TestService_EncryptDecryptWithMasterKey(t *testing.T) {
	svc, err := NewService("short-master", nil)
	require.NoError(t, err)

	env, err := svc.EncryptMessage(context.Background(), []byte("hello gateway"), "")
	require.NoError(t, err)
	assert.Equal(t, Algorithm, env.Algorithm)
	assert.Equal(t, "master", env.KeyName)

	plain, err := svc.DecryptMessage(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, "hello gateway", string(plain))

	// 篡改密文
	raw, _ := base64.StdEncoding.DecodeString(env.Ciphertext)
	raw[0] ^= 0x01
	env.Ciphertext = base64.StdEncoding.EncodeToString(raw)
	_, err = svc.DecryptMessage(context.Background(), env)
	assert.Error(t, err)
}

func TestService_NamedKeyFromProvider(t *testing.T) {
	provider := new(mockKeyProvider)
	material := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	provider.On("GetActiveEncryptionKey", mock.Anything, "partner").
		Return(&models.EncryptionKey{Name: "partner", Version: "v2", KeyMaterial: material, IsActive: true}, nil).Once()
	provider.On("GetActiveEncryptionKey", mock.Anything, "missing").
		Return(nil, errors.New("record not found"))

	svc, err := NewService("master", provider)
	require.NoError(t, err)

	wrapped, err := svc.WrapPayload(context.Background(), map[string]interface{}{"temperature": 35.0},
		models.EncryptionSettings{Enabled: true, KeyName: "partner", KeyVersion: "v3", Metadata: models.JSONB{"tenant": "a"}})
	require.NoError(t, err)

	meta := wrapped["encryption"].(map[string]interface{})
	assert.Equal(t, Algorithm, meta["algorithm"])
	assert.Equal(t, "v3", meta["version"])
	assert.Equal(t, "partner", meta["key_name"])
	assert.Equal(t, "v2", meta["key_version"])
	assert.Equal(t, "a", meta["tenant"])

	data, err := json.Marshal(wrapped)
	require.NoError(t, err)
	plain, err := svc.UnwrapPayload(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, 35.0, plain["temperature"])

	// 第二次使用缓存，不再查询
	_, err = svc.EncryptMessage(context.Background(), []byte("x"), "partner")
	require.NoError(t, err)
	provider.AssertNumberOfCalls(t, "GetActiveEncryptionKey", 1)

	_, err = svc.EncryptMessage(context.Background(), []byte("x"), "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestService_UpdateActiveKey(t *testing.T) {
	svc, err := NewService("master", nil)
	require.NoError(t, err)

	require.NoError(t, svc.UpdateActiveKey("rotating", "v1", []byte("material-1")))
	env, err := svc.EncryptMessage(context.Background(), []byte("payload"), "")
	require.NoError(t, err)
	assert.Equal(t, "rotating", env.KeyName)

	plain, err := svc.DecryptMessage(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(plain))

	require.NoError(t, svc.UpdateActiveKey("rotating", "v2", []byte("material-2")))
	env2, err := svc.EncryptMessage(context.Background(), []byte("payload-2"), "")
	require.NoError(t, err)
	assert.Equal(t, "v2", env2.KeyVersion)

	plain, err = svc.DecryptMessage(context.Background(), env)
	require.NoError(t, err, "旧版本信封按记录的版本解密")
	assert.Equal(t, "payload", string(plain))

	// 没有密钥库时失效即吊销
	svc.InvalidateKey("rotating")
	_, err = svc.EncryptMessage(context.Background(), []byte("payload"), "")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	_, err = svc.DecryptMessage(context.Background(), env)
	assert.ErrorIs(t, err, ErrKeyNotFound)

	assert.Error(t, svc.UpdateActiveKey("empty", "v1", nil))
}

type versionedKeyProvider struct {
	mockKeyProvider
}

func (m *versionedKeyProvider) GetEncryptionKeyVersion(ctx context.Context, name, version string) (*models.EncryptionKey, error) {
	args := m.Called(ctx, name, version)
	if k := args.Get(0); k != nil {
		return k.(*models.EncryptionKey), args.Error(1)
	}
	return nil, args.Error(1)
}

func keyRecord(version, material string, active bool) *models.EncryptionKey {
	return &models.EncryptionKey{
		Name:        "k",
		Version:     version,
		KeyMaterial: base64.StdEncoding.EncodeToString([]byte(material)),
		IsActive:    active,
	}
}

func TestService_DefaultKeyReloadsFromStore(t *testing.T) {
	ctx := context.Background()
	provider := new(versionedKeyProvider)
	svc, err := NewService("master", provider)
	require.NoError(t, err)

	require.NoError(t, svc.UpdateActiveKey("k", "v1", []byte("material-1")))
	assert.Equal(t, "k", svc.DefaultKeyName())
	before, err := svc.EncryptMessage(ctx, []byte("before"), "")
	require.NoError(t, err)
	assert.Equal(t, "v1", before.KeyVersion)

	// 密钥库中轮换到 v2，未重新设置默认密钥
	provider.On("GetActiveEncryptionKey", mock.Anything, "k").Return(keyRecord("v2", "material-2", true), nil).Once()
	svc.InvalidateKey("k")

	after, err := svc.EncryptMessage(ctx, []byte("after"), "")
	require.NoError(t, err)
	assert.Equal(t, "k", after.KeyName)
	assert.Equal(t, "v2", after.KeyVersion)

	provider.On("GetEncryptionKeyVersion", mock.Anything, "k", "v1").Return(keyRecord("v1", "material-1", false), nil).Once()
	plain, err := svc.DecryptMessage(ctx, before)
	require.NoError(t, err)
	assert.Equal(t, "before", string(plain))

	// 已缓存的历史版本不再查询
	_, err = svc.DecryptMessage(ctx, before)
	require.NoError(t, err)
	provider.AssertNumberOfCalls(t, "GetEncryptionKeyVersion", 1)

	// 停用后默认密钥不可用，不退回旧版本或主密钥
	provider.On("GetActiveEncryptionKey", mock.Anything, "k").Return(nil, errors.New("record not found"))
	svc.InvalidateKey("k")
	_, err = svc.EncryptMessage(ctx, []byte("x"), "")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	provider.On("GetEncryptionKeyVersion", mock.Anything, "k", "v2").Return(nil, errors.New("record not found"))
	_, err = svc.DecryptMessage(ctx, after)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}
