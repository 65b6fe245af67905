package helpers

import (
	"encoding/base64"
	"strings"

	"github.com/skip2/go-qrcode"
)

const qrSize = 256

func QRCodePNG(payload string) ([]byte, error) {
	return qrcode.Encode(payload, qrcode.Medium, qrSize)
}

// DecodeQRImage accepts a bare base64 PNG or a data URL.
func DecodeQRImage(image string) ([]byte, error) {
	if i := strings.Index(image, ","); strings.HasPrefix(image, "data:") && i >= 0 {
		image = image[i+1:]
	}
	return base64.StdEncoding.DecodeString(image)
}
