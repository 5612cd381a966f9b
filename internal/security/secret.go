package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// AESEncryptor AES-GCM 对称加密器，实现 ai.Encryptor。
// 密钥由外部传入的种子经 HKDF 派生，种子的生命周期由调用方管理。
type AESEncryptor struct {
	key []byte
}

// NewAESEncryptor 从种子派生 256 位密钥
func NewAESEncryptor(seed string) (*AESEncryptor, error) {
	if seed == "" {
		return nil, fmt.Errorf("密钥种子不能为空")
	}
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(seed), nil, []byte("agentcore/memory"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("派生密钥失败: %w", err)
	}
	return &AESEncryptor{key: key}, nil
}

// Encrypt 使用 AES-GCM 加密，返回包含随机 Nonce 的字节数组
func (e *AESEncryptor) Encrypt(plain []byte) ([]byte, error) {
	if len(plain) == 0 {
		return nil, fmt.Errorf("待加密内容不能为空")
	}
	gcm, err := e.newGCM()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("生成随机数失败: %w", err)
	}
	return gcm.Seal(nonce, nonce, plain, nil), nil
}

// Decrypt 对 Encrypt 生成的密文进行解密
func (e *AESEncryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("密文不能为空")
	}
	gcm, err := e.newGCM()
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("密文长度无效")
	}
	nonce := ciphertext[:nonceSize]
	data := ciphertext[nonceSize:]
	plain, err := gcm.Open(nil, nonce, data, nil)
	if err != nil {
		return nil, fmt.Errorf("解密失败: %w", err)
	}
	return plain, nil
}

func (e *AESEncryptor) newGCM() (cipher.AEAD, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("初始化密钥失败: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("初始化 GCM 失败: %w", err)
	}
	return gcm, nil
}
