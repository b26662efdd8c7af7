package util

import qrgen "github.com/skip2/go-qrcode"

// GenerateQRCode 生成二维码 PNG
// content: 二维码内容
// size: 二维码尺寸(像素)
func GenerateQRCode(content string, size int) ([]byte, error) {
	return qrgen.Encode(content, qrgen.Medium, size)
}
