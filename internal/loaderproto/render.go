package loaderproto

import (
	"os"
	"path"

	"github.com/jhump/protoreflect/v2/protoprint"
)

// Render writes the registry's generated .proto files under outDir so loader
// services can vendor the contract they need to implement.
func Render(r *Registry, outDir string) error {
	pp := protoprint.Printer{}

	for _, fd := range r.Files() {
		fp := path.Join(outDir, fd.Path())
		if err := os.MkdirAll(path.Dir(fp), 0755); err != nil {
			return err
		}
		f, err := os.OpenFile(fp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			return err
		}
		err = pp.PrintProtoFile(fd, f)
		cerr := f.Close()
		if err != nil {
			return err
		}
		if cerr != nil {
			return cerr
		}
	}
	return nil
}
