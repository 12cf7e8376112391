package client

import (
	"context"
)

// Handle uploads to one named route.
type Handle struct {
	name     string
	uploader *Uploader
}

func (h Handle) Name() string {
	return h.name
}

func (h Handle) Upload(ctx context.Context, f *File, opts ...UploadOption) (*Result, error) {
	return h.uploader.Upload(ctx, h.name, f, opts...)
}

// Routes maps route names to upload handles.
type Routes map[string]Handle

// Routes returns a handle for each of the given route names.
func (u *Uploader) Routes(names ...string) Routes {
	routes := make(Routes, len(names))
	for _, name := range names {
		routes[name] = Handle{name: name, uploader: u}
	}
	return routes
}
