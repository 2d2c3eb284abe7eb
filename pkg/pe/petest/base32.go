//go:build greym32

package petest

import "github.com/Deputation/GreyM/pkg/pe"

func setImageBase(opt *pe.IMAGE_OPTIONAL_HEADER, base uint64) {
	opt.ImageBase = uint32(base)
}
