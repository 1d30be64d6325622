package receipt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"ms-mpesa/internal/models"

	"github.com/shopspring/decimal"
	"github.com/skip2/go-qrcode"
)

var ErrNotReconciled = errors.New("payment is not linked to an order")

// Payload is what a receipt QR carries. The till scans it back to confirm a
// customer's proof of payment.
type Payload struct {
	ReceiptNumber string          `json:"receipt_number"`
	OrderID       string          `json:"order_id"`
	Amount        decimal.Decimal `json:"amount"`
	PhoneNumber   string          `json:"phone_number,omitempty"`
	PaidAt        string          `json:"paid_at,omitempty"`
}

// PayloadFor builds the QR payload of a reconciled payment.
func PayloadFor(n *models.Notification) (Payload, error) {
	if n == nil || !n.IsReconciled() {
		return Payload{}, ErrNotReconciled
	}
	return Payload{
		ReceiptNumber: n.ReceiptNumber,
		OrderID:       n.ReconciledOrderID,
		Amount:        n.Amount,
		PhoneNumber:   n.PhoneNumber,
		PaidAt:        n.TransactionDate,
	}, nil
}

type QRGenerator struct {
	secret []byte
}

func NewQRGenerator(secret string) *QRGenerator {
	hashed := sha256.Sum256([]byte(secret)) // normalize to 32 bytes
	return &QRGenerator{secret: hashed[:]}
}

// GenerateEncryptedQR renders the encrypted payload as a PNG.
func (q *QRGenerator) GenerateEncryptedQR(p Payload) ([]byte, error) {
	token, err := q.Encrypt(p)
	if err != nil {
		return nil, err
	}
	return qrcode.Encode(token, qrcode.Medium, 256)
}

// Encrypt returns the URL-safe token a QR encodes.
func (q *QRGenerator) Encrypt(p Payload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return encryptAES(data, q.secret)
}

// Decrypt reverses Encrypt. A token made with another secret decrypts to
// noise and fails to unmarshal.
func (q *QRGenerator) Decrypt(token string) (Payload, error) {
	data, err := decryptAES(token, q.secret)
	if err != nil {
		return Payload{}, err
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("invalid receipt token: %w", err)
	}
	return p, nil
}

func encryptAES(data []byte, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	ciphertext := make([]byte, aes.BlockSize+len(data))
	iv := ciphertext[:aes.BlockSize]

	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}

	stream := cipher.NewCFBEncrypter(block, iv)
	stream.XORKeyStream(ciphertext[aes.BlockSize:], data)

	return base64.URLEncoding.EncodeToString(ciphertext), nil
}

func decryptAES(token string, key []byte) ([]byte, error) {
	ciphertext, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("invalid receipt token: %w", err)
	}
	if len(ciphertext) < aes.BlockSize {
		return nil, errors.New("invalid receipt token: too short")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	iv := ciphertext[:aes.BlockSize]
	plain := make([]byte, len(ciphertext)-aes.BlockSize)
	cipher.NewCFBDecrypter(block, iv).XORKeyStream(plain, ciphertext[aes.BlockSize:])
	return plain, nil
}
