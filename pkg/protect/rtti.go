package protect

import (
	"bytes"

	"github.com/sirupsen/logrus"

	"github.com/Deputation/GreyM/pkg/pe"
)

// obfuscateRtti scrambles MSVC type-descriptor names (".?AVName@@",
// ".?AUName@@") in the data sections so class names do not leak into the
// protected binary. Best effort: a malformed table never fails the run.
func obfuscateRtti(p *pe.PortableExecutable) {
	data := p.Data()
	scrambled := 0

	for _, h := range p.SectionHeaders() {
		h := h
		name := pe.SectionHeaderName(&h)
		if name != ".rdata" && name != ".data" {
			continue
		}

		region := data[h.PointerToRawData : h.PointerToRawData+h.SizeOfRawData]

		for _, prefix := range [][]byte{[]byte(".?AV"), []byte(".?AU")} {
			for at := 0; ; {
				i := bytes.Index(region[at:], prefix)
				if i < 0 {
					break
				}
				start := at + i + len(prefix)

				end := start
				for end < len(region) && region[end] != 0 {
					end++
				}
				if end > start {
					randFill(region[start:end])
					// keep it a plausible identifier so string scans
					// do not trip over control characters
					for j := start; j < end; j++ {
						region[j] = 'A' + region[j]%26
					}
					scrambled++
				}
				at = end
			}
		}
	}

	if scrambled > 0 {
		logrus.Debugf("scrambled %d RTTI type descriptor names", scrambled)
	}
}
