package imagefs

import (
	"fmt"
	"strings"
)

// Naming decides what image archives are called on disk. The zero value
// is replaced by DefaultNaming at mount time.
type Naming struct {
	ImageName   func(project, version string) string
	ScratchName func() string
	IsImageName func(name string) bool
}

// DefaultNaming is the image-<project>-v<version>.pack convention with a
// fixed scratch-file name.
func DefaultNaming() Naming {
	return Naming{
		ImageName: func(project, version string) string {
			return fmt.Sprintf("image-%s-v%s.pack", project, version)
		},
		ScratchName: func() string { return "image-scratchfile.pack" },
		IsImageName: func(name string) bool {
			return len(name) > 12 && strings.HasPrefix(name, "image-") && strings.HasSuffix(name, ".pack")
		},
	}
}

func (n Naming) orDefault() Naming {
	def := DefaultNaming()
	if n.ImageName == nil {
		n.ImageName = def.ImageName
	}
	if n.ScratchName == nil {
		n.ScratchName = def.ScratchName
	}
	if n.IsImageName == nil {
		n.IsImageName = def.IsImageName
	}
	return n
}
