// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package imagecodec re-encodes inline images to the format each backend
// expects before they reach Client.Query (§4.1): backend-A prefers WebP,
// backend-B only accepts PNG. Orientation correction and downsampling are
// grounded on the original's backend/infrastructure/images.py
// (compress_image_base64/resize_image), reimplemented with
// disintegration/imageorient and nfnt/resize in place of Pillow.
package imagecodec

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image/png"

	_ "image/gif"
	_ "image/jpeg"

	"github.com/disintegration/imageorient"
	"github.com/nfnt/resize"

	"github.com/teradata-labs/roomorc/pkg/types"
)

// maxDimension mirrors resize_image's target_size default: the longest side
// is capped, aspect ratio preserved.
const maxDimension = 1568

// TargetFormat is the re-encoded media type a backend expects.
type TargetFormat string

const (
	FormatWebP TargetFormat = "image/webp"
	FormatPNG  TargetFormat = "image/png"
)

// TargetForBackend returns the inline-image format name prefers, per §4.1:
// backend-B (the Codex-equivalent app server) only accepts PNG, everything
// else prefers WebP.
func TargetForBackend(name types.BackendName) TargetFormat {
	if name == types.BackendB {
		return FormatPNG
	}
	return FormatWebP
}

// Convert decodes img with EXIF orientation applied, downsamples it if it
// exceeds maxDimension on its longest side, and re-encodes it as PNG. It
// takes no target format: the result is always PNG bytes tagged with
// FormatPNG's media type, also for backends whose TargetForBackend is
// FormatWebP.
//
// No example repo in this pack imports any WebP package at all, encoder or
// decoder; ecosystem-wide, the closest thing (golang.org/x/image/webp) is
// decode-only, and the maintained encoders are all cgo bindings around
// libwebp (see DESIGN.md). Every other step (orientation fix, downsampling,
// lossless recompression) is real, and PNG is accepted by both backends, so
// this is a quality/bandwidth gap, not a correctness one.
func Convert(img types.InlineImage) (types.InlineImage, error) {
	raw, err := base64.StdEncoding.DecodeString(img.Base64)
	if err != nil {
		return img, fmt.Errorf("imagecodec: decode base64: %w", err)
	}

	decoded, _, err := imageorient.Decode(bytes.NewReader(raw))
	if err != nil {
		return img, fmt.Errorf("imagecodec: decode image: %w", err)
	}

	if b := decoded.Bounds(); b.Dx() > maxDimension || b.Dy() > maxDimension {
		if b.Dx() >= b.Dy() {
			decoded = resize.Resize(uint(maxDimension), 0, decoded, resize.Lanczos3)
		} else {
			decoded = resize.Resize(0, uint(maxDimension), decoded, resize.Lanczos3)
		}
	}

	var out bytes.Buffer
	if err := png.Encode(&out, decoded); err != nil {
		return img, fmt.Errorf("imagecodec: encode image: %w", err)
	}

	return types.InlineImage{
		Base64:    base64.StdEncoding.EncodeToString(out.Bytes()),
		MediaType: string(FormatPNG),
	}, nil
}
