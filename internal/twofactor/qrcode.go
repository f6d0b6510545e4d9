package twofactor

import (
	"encoding/base64"
	"image/png"

	"github.com/khanghh/meshauth/params"
	"github.com/pquerna/otp"
	"github.com/valyala/bytebufferpool"
)

// qrCodeDataURL renders the otpauth uri of key as a PNG data url.
func qrCodeDataURL(key *otp.Key) (string, error) {
	img, err := key.Image(params.TOTPQRCodeSize, params.TOTPQRCodeSize)
	if err != nil {
		return "", err
	}
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if err := png.Encode(buf, img); err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.B), nil
}
