// Package project builds the plugin project package from a template archive.
//
// The template is a zip holding one project descriptor (XML text) and its
// companion binary sidecar. The descriptor carries a placeholder token which
// is replaced by the project name throughout, in entry names as well as in
// the descriptor text. Every other entry is copied byte for byte.
package project

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"hydroprep/internal/core"
)

// DescriptorExt is the extension of the text entry that gets token
// replacement.
const DescriptorExt = ".qgs"

// Options controls package creation.
type Options struct {
	// Token is the placeholder in the template, e.g. "TEMPLATE_PROJECT".
	Token string
	// Name replaces Token.
	Name string
}

func (o Options) validate() error {
	if o.Token == "" {
		return errors.New("project token is required")
	}
	if o.Name == "" {
		return errors.New("project name is required")
	}
	if strings.ContainsAny(o.Name, `/\`) {
		return fmt.Errorf("project name %q must not contain path separators", o.Name)
	}
	return nil
}

// Build reads the template archive at template and writes the renamed
// package to dst. Entry order and timestamps follow the template so the
// output bytes depend only on the template and options.
func Build(template, dst string, opts Options) error {
	if err := opts.validate(); err != nil {
		return err
	}
	zr, err := zip.OpenReader(template)
	if err != nil {
		return core.External("zip", "open template", err)
	}
	defer zr.Close()

	descriptors := 0
	for _, f := range zr.File {
		if isDescriptor(f.Name) {
			descriptors++
		}
	}
	if descriptors != 1 {
		return fmt.Errorf("template must hold exactly one %s descriptor, found %d", DescriptorExt, descriptors)
	}

	st, err := core.NewStaging(dst)
	if err != nil {
		return err
	}
	defer st.Cleanup()

	if err := write(st.Path(), zr.File, opts); err != nil {
		return err
	}
	return st.Commit()
}

func isDescriptor(name string) bool {
	return strings.EqualFold(path.Ext(name), DescriptorExt)
}

func write(dst string, files []*zip.File, opts Options) error {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		data, err := readEntry(f)
		if err != nil {
			return err
		}
		if isDescriptor(f.Name) {
			data = bytes.ReplaceAll(data, []byte(opts.Token), []byte(opts.Name))
		}
		hdr := &zip.FileHeader{
			Name:     strings.ReplaceAll(f.Name, opts.Token, opts.Name),
			Method:   f.Method,
			Modified: f.Modified,
			Comment:  f.Comment,
		}
		hdr.SetMode(f.Mode())
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return core.External("zip", "create "+hdr.Name, err)
		}
		if _, err := w.Write(data); err != nil {
			return core.External("zip", "write "+hdr.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return core.External("zip", "finish package", err)
	}
	return core.WriteFileAtomic(dst, buf.Bytes(), 0o644)
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, core.External("zip", "open "+f.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, core.External("zip", "read "+f.Name, err)
	}
	return data, nil
}
