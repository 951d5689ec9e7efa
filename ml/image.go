package ml

import (
	"image"

	"gorgonia.org/tensor"
)

// ImageToUInt8Buffer reads an image into a byte slice in the most common
// sense way. Left to right like a book; R, then G, then B. No alpha channel.
func ImageToUInt8Buffer(img image.Image) []byte {
	output := make([]byte, img.Bounds().Dx()*img.Bounds().Dy()*3)
	i := 0
	for y := img.Bounds().Min.Y; y < img.Bounds().Max.Y; y++ {
		for x := img.Bounds().Min.X; x < img.Bounds().Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			output[i] = byte(r >> 8)
			output[i+1] = byte(g >> 8)
			output[i+2] = byte(b >> 8)
			i += 3
		}
	}
	return output
}

// NewImageTensor packs an image into an NHWC uint8 tensor of shape [1, height, width, 3].
func NewImageTensor(img image.Image) *tensor.Dense {
	bounds := img.Bounds()
	return tensor.New(
		tensor.WithShape(1, bounds.Dy(), bounds.Dx(), 3),
		tensor.WithBacking(ImageToUInt8Buffer(img)),
	)
}
