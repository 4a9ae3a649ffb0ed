// Package wallet 负责把加密的钱包凭据解锁为短时持有的签名者。
package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	xerrors "AgentDesk/internal/errors"
	"AgentDesk/internal/web3"
)

// CodeCredentialFailure 表示钱包解锁失败。
const CodeCredentialFailure xerrors.Code = "CREDENTIAL_FAILURE"

func init() {
	xerrors.Register(CodeCredentialFailure, xerrors.Attributes{
		Message:     "credential unlock failed",
		UserMessage: "钱包解锁失败，请检查密码后重试",
		Severity:    xerrors.SeverityWarning,
	})
}

// Material 是解密后的密钥材料，使用完毕后必须调用 Wipe。
type Material struct {
	raw []byte
}

// Wipe 清空密钥材料。
func (m *Material) Wipe() {
	if m == nil {
		return
	}
	for i := range m.raw {
		m.raw[i] = 0
	}
	m.raw = nil
}

// Credential 抽象了钱包凭据的解密与签名者派生。
type Credential interface {
	Decrypt(ctx context.Context, blob []byte, password string) (*Material, error)
	DeriveSigner(material *Material) (*web3.Signer, error)
}

// Unlock 解密凭据并派生签名者，失败时返回 CREDENTIAL_FAILURE。
func Unlock(ctx context.Context, cred Credential, userID string, blob []byte, password string) (*web3.Signer, error) {
	if cred == nil {
		return nil, xerrors.New(CodeCredentialFailure, "未配置钱包凭据解析器")
	}
	material, err := cred.Decrypt(ctx, blob, password)
	if err != nil {
		return nil, xerrors.Wrap(CodeCredentialFailure, err, "解密钱包失败")
	}
	defer material.Wipe()

	signer, err := cred.DeriveSigner(material)
	if err != nil {
		return nil, xerrors.Wrap(CodeCredentialFailure, err, "派生签名者失败")
	}
	signer.UserID = userID
	return signer, nil
}

// KeystoreCredential 解析 go-ethereum keystore JSON。
type KeystoreCredential struct{}

// Decrypt 使用密码解密 keystore。
func (KeystoreCredential) Decrypt(ctx context.Context, blob []byte, password string) (*Material, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(blob) == 0 {
		return nil, errors.New("钱包数据为空")
	}
	if strings.TrimSpace(password) == "" {
		return nil, errors.New("钱包密码为空")
	}
	key, err := keystore.DecryptKey(blob, password)
	if err != nil {
		return nil, fmt.Errorf("keystore 解密失败: %w", err)
	}
	raw := crypto.FromECDSA(key.PrivateKey)
	key.PrivateKey.D.SetInt64(0)
	return &Material{raw: raw}, nil
}

// DeriveSigner 从密钥材料恢复私钥与地址。
func (KeystoreCredential) DeriveSigner(material *Material) (*web3.Signer, error) {
	if material == nil || len(material.raw) == 0 {
		return nil, errors.New("密钥材料为空")
	}
	key, err := crypto.ToECDSA(material.raw)
	if err != nil {
		return nil, fmt.Errorf("解析私钥失败: %w", err)
	}
	return &web3.Signer{Address: crypto.PubkeyToAddress(key.PublicKey), PrivateKey: key}, nil
}

// Seal 把私钥加密为 keystore JSON。light 为 true 时使用轻量 scrypt 参数。
func Seal(key *ecdsa.PrivateKey, password string, light bool) ([]byte, error) {
	if key == nil {
		return nil, errors.New("私钥为空")
	}
	scryptN, scryptP := keystore.StandardScryptN, keystore.StandardScryptP
	if light {
		scryptN, scryptP = keystore.LightScryptN, keystore.LightScryptP
	}
	return keystore.EncryptKey(&keystore.Key{
		Id:         uuid.New(),
		Address:    crypto.PubkeyToAddress(key.PublicKey),
		PrivateKey: key,
	}, password, scryptN, scryptP)
}
