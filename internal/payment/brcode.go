package payment

import (
	"fmt"
	"strings"
	"unicode"
)

// BRCode renders a static-key PIX "copia e cola" payload in the EMV
// merchant-presented format, with the txid in the additional data field.
func BRCode(key, merchantName, merchantCity, txID string, amount int64) string {
	var b strings.Builder
	writeField(&b, "00", "01")
	writeField(&b, "26", field("00", "br.gov.bcb.pix")+field("01", key))
	writeField(&b, "52", "0000")
	writeField(&b, "53", "986")
	if amount > 0 {
		writeField(&b, "54", FormatAmount(amount))
	}
	writeField(&b, "58", "BR")
	writeField(&b, "59", clip(ascii(merchantName), 25))
	writeField(&b, "60", clip(ascii(merchantCity), 15))
	writeField(&b, "62", field("05", clip(txID, 25)))
	b.WriteString("6304")
	return b.String() + fmt.Sprintf("%04X", crc16(b.String()))
}

func field(id, value string) string {
	return fmt.Sprintf("%s%02d%s", id, len(value), value)
}

func writeField(b *strings.Builder, id, value string) {
	b.WriteString(field(id, value))
}

func clip(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func ascii(s string) string {
	return strings.Map(func(r rune) rune {
		if r > unicode.MaxASCII {
			return -1
		}
		return r
	}, s)
}

// crc16 is CRC-16/CCITT-FALSE over the payload including the "6304" tag.
func crc16(s string) uint16 {
	crc := uint16(0xFFFF)
	for i := 0; i < len(s); i++ {
		crc ^= uint16(s[i]) << 8
		for bit := 0; bit < 8; bit++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
