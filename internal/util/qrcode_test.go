package util

import (
	"bytes"
	"image"
	_ "image/png"
	"testing"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// decodeQR 从 PNG 数据解析二维码内容
func decodeQR(t *testing.T, data []byte) string {
	t.Helper()
	img, _, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	require.NoError(t, err)
	result, err := qrcode.NewQRCodeReader().Decode(bmp, nil)
	require.NoError(t, err)
	return result.GetText()
}

func TestQRCodeRoundTrip(t *testing.T) {
	content := "solana:7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU9"
	png, err := GenerateQRCode(content, 256)
	require.NoError(t, err)
	assert.Equal(t, content, decodeQR(t, png))
}
