/*
Copyright 2026 ForgeGuard Technologies Inc

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package forgeguard

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math/bits"
	"strconv"
	"strings"

	"github.com/corona10/goimagehash"
	"github.com/pkg/errors"
)

// ErrInvalidImage marks submissions that could not be decoded as an image.
// Callers should treat it as bad input, not as a pipeline failure.
var ErrInvalidImage = errors.New("invalid or unsupported image data")

// DecodeImage decodes GIF, JPEG or PNG bytes.
func DecodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(ErrInvalidImage, err.Error())
	}
	return img, nil
}

// Fingerprinter derives a stable perceptual fingerprint for an image. Images
// that differ only by re-encoding or minor noise should fingerprint
// identically.
type Fingerprinter interface {
	Fingerprint(img image.Image) (string, error)
}

// AverageHash fingerprints images with a 16x16 average hash. The hash is
// insensitive to format, light compression artifacts and small resizes,
// which is what lets the cache absorb re-submissions of the same picture.
type AverageHash struct{}

var _ Fingerprinter = &AverageHash{}

const averageHashSize = 16

func (AverageHash) Fingerprint(img image.Image) (string, error) {
	hash, err := goimagehash.ExtAverageHash(img, averageHashSize, averageHashSize)
	if err != nil {
		return "", errors.Wrap(err, "while computing average hash")
	}
	return hash.ToString(), nil
}

// Two fingerprints closer than this many bits depict the same image for our
// purposes.
const similarityThreshold = 5

// Distance returns the hamming distance between two fingerprints. The
// fingerprints must be the same length.
func Distance(a, b string) (int, error) {
	x, err := fingerprintBits(a)
	if err != nil {
		return 0, err
	}
	y, err := fingerprintBits(b)
	if err != nil {
		return 0, err
	}
	if len(x) != len(y) {
		return 0, errors.Errorf("fingerprints differ in length; '%d' != '%d'", len(x)*64, len(y)*64)
	}

	var dist int
	for i := range x {
		dist += bits.OnesCount64(x[i] ^ y[i])
	}
	return dist, nil
}

// Similar reports whether two fingerprints depict the same image.
func Similar(a, b string) (bool, error) {
	dist, err := Distance(a, b)
	if err != nil {
		return false, err
	}
	return dist < similarityThreshold, nil
}

// fingerprintBits parses the hex payload of a fingerprint into 64 bit words.
// The kind prefix up to the first ':' is ignored.
func fingerprintBits(s string) ([]uint64, error) {
	if idx := strings.IndexByte(s, ':'); idx >= 0 {
		s = s[idx+1:]
	}
	if len(s) == 0 || len(s)%16 != 0 {
		return nil, errors.Errorf("invalid fingerprint '%s'", s)
	}

	out := make([]uint64, 0, len(s)/16)
	for i := 0; i < len(s); i += 16 {
		word, err := strconv.ParseUint(s[i:i+16], 16, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid fingerprint '%s'", s)
		}
		out = append(out, word)
	}
	return out, nil
}
