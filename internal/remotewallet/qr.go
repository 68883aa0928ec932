package remotewallet

import (
	qrcode "github.com/skip2/go-qrcode"

	"fastnear.io/wallet-adapter/pkg/errors"
)

// DeepLinkQR renders the request deep link as a PNG so the host surface can
// show it for the user's wallet device to scan.
func DeepLinkQR(deepLink string, size int) ([]byte, error) {
	if deepLink == "" {
		return nil, errors.Transport("INVALID_DEEP_LINK", "deep link is empty")
	}
	if size <= 0 {
		size = 256
	}
	png, err := qrcode.Encode(deepLink, qrcode.Medium, size)
	if err != nil {
		return nil, errors.Wrap(err, "encode deep link qr")
	}
	return png, nil
}
