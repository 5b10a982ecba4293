package dispatch

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"

	"github.com/openimsdk/tools/errs"
)

// 下行载荷加密参数
//
// signalingKey为base64编码的52字节密钥材料：前32字节为AES-256密钥，
// 后20字节为HMAC-SHA256密钥。密文格式：
//
//	0x01 || iv(16) || AES-256-CBC密文 || HMAC-SHA256前10字节
//
// 与既有客户端约定使用全零IV，每次下行的明文都含时间戳与随机
// 消息体，不因IV复用泄露结构。
const (
	signalingKeyLen    = 52
	signalingCipherLen = 32
	signalingMacLen    = 10
	signalingVersion   = 0x01
)

// EncryptPayload 以signalingKey加密下行载荷
func EncryptPayload(signalingKey string, plaintext []byte) ([]byte, error) {
	material, err := base64.StdEncoding.DecodeString(signalingKey)
	if err != nil {
		return nil, errs.WrapMsg(err, "malformed signaling key")
	}
	if len(material) < signalingKeyLen {
		return nil, errs.New("signaling key too short", "len", len(material)).Wrap()
	}
	cipherKey := material[:signalingCipherLen]
	macKey := material[signalingCipherLen:signalingKeyLen]

	block, err := aes.NewCipher(cipherKey)
	if err != nil {
		return nil, errs.Wrap(err)
	}
	iv := make([]byte, aes.BlockSize)
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	body := make([]byte, 0, 1+len(iv)+len(ciphertext)+signalingMacLen)
	body = append(body, signalingVersion)
	body = append(body, iv...)
	body = append(body, ciphertext...)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(body)
	body = append(body, mac.Sum(nil)[:signalingMacLen]...)
	return body, nil
}

// DecryptPayload EncryptPayload的逆变换
func DecryptPayload(signalingKey string, data []byte) ([]byte, error) {
	material, err := base64.StdEncoding.DecodeString(signalingKey)
	if err != nil {
		return nil, errs.WrapMsg(err, "malformed signaling key")
	}
	if len(material) < signalingKeyLen {
		return nil, errs.New("signaling key too short", "len", len(material)).Wrap()
	}
	cipherKey := material[:signalingCipherLen]
	macKey := material[signalingCipherLen:signalingKeyLen]

	if len(data) < 1+aes.BlockSize+signalingMacLen || data[0] != signalingVersion {
		return nil, errs.New("malformed encrypted payload").Wrap()
	}
	body, tag := data[:len(data)-signalingMacLen], data[len(data)-signalingMacLen:]
	mac := hmac.New(sha256.New, macKey)
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil)[:signalingMacLen], tag) {
		return nil, errs.New("payload mac mismatch").Wrap()
	}

	iv := body[1 : 1+aes.BlockSize]
	ciphertext := body[1+aes.BlockSize:]
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, errs.New("malformed payload ciphertext").Wrap()
	}
	block, err := aes.NewCipher(cipherKey)
	if err != nil {
		return nil, errs.Wrap(err)
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	return pkcs7Unpad(plaintext, aes.BlockSize)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, errs.New("empty padded payload").Wrap()
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize || padding > len(data) {
		return nil, errs.New("malformed payload padding").Wrap()
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, errs.New("malformed payload padding").Wrap()
		}
	}
	return data[:len(data)-padding], nil
}
