package route_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/pieter-berkel/storageflow/protocol"
	. "github.com/pieter-berkel/storageflow/route"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefinitionBuilder(t *testing.T) {
	t.Run("Builder calls return copies and leave the original untouched", func(t *testing.T) {
		base := New("avatars")
		limited := base.FileSizeLimit(10).AllowedMimeTypes("image/*").Temporary()

		_, ok := base.SizeLimit()
		assert.False(t, ok)
		assert.Nil(t, base.MimeTypes())
		assert.False(t, base.IsTemporary())

		n, ok := limited.SizeLimit()
		assert.True(t, ok)
		assert.Equal(t, int64(10), n)
		assert.Equal(t, []string{"image/*"}, limited.MimeTypes())
		assert.True(t, limited.IsTemporary())
	})

	t.Run("Chained calls are order independent", func(t *testing.T) {
		a := New("r").Temporary().FileSizeLimit(5).AllowedMimeTypes("text/plain")
		b := New("r").AllowedMimeTypes("text/plain").FileSizeLimit(5).Temporary()
		assert.Equal(t, a.MimeTypes(), b.MimeTypes())
		assert.Equal(t, a.IsTemporary(), b.IsTemporary())
		an, _ := a.SizeLimit()
		bn, _ := b.SizeLimit()
		assert.Equal(t, an, bn)
	})

	t.Run("Human readable sizes use binary units", func(t *testing.T) {
		d := New("r").MaxFileSize("4MB")
		n, ok := d.SizeLimit()
		assert.True(t, ok)
		assert.Equal(t, int64(4*1024*1024), n)
	})

	t.Run("A route without limit never exceeds", func(t *testing.T) {
		assert.False(t, New("r").Exceeds(1<<40))
		assert.True(t, New("r").FileSizeLimit(1024).Exceeds(1025))
		assert.False(t, New("r").FileSizeLimit(1024).Exceeds(1024))
	})
}

func TestAccepts(t *testing.T) {
	d := New("r").AllowedMimeTypes("image/*", "application/pdf")

	assert.True(t, d.Accepts("image/png"))
	assert.True(t, d.Accepts("image/svg+xml"))
	assert.True(t, d.Accepts("application/pdf"))
	assert.False(t, d.Accepts("application/pdfx"))
	assert.False(t, d.Accepts("text/plain"))
	assert.True(t, New("r").Accepts("anything/goes"))
	assert.True(t, New("r").AllowedMimeTypes("*/*").Accepts("video/mp4"))
}

func TestRegistry(t *testing.T) {
	t.Run("Routes are looked up by name", func(t *testing.T) {
		reg, err := NewRegistry(New("avatars"), New("documents"))
		require.NoError(t, err)

		d, ok := reg.Lookup("avatars")
		assert.True(t, ok)
		assert.Equal(t, "avatars", d.Name())

		_, ok = reg.Lookup("missing")
		assert.False(t, ok)
		assert.Equal(t, []string{"avatars", "documents"}, reg.Names())
	})

	t.Run("Invalid mime patterns are rejected when the registry is built", func(t *testing.T) {
		_, err := NewRegistry(New("a").AllowedMimeTypes("image"))
		assert.Error(t, err)
		_, err = NewRegistry(New("a").AllowedMimeTypes("image/[png"))
		assert.Error(t, err)
	})

	t.Run("Duplicate names, bad sizes and bad names are all reported", func(t *testing.T) {
		_, err := NewRegistry(
			New("a"),
			New("a"),
			New("b").MaxFileSize("lots"),
			New("c").FileSizeLimit(0),
			New("has space"),
		)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "declared twice")
		assert.Contains(t, err.Error(), "max file size")
		assert.Contains(t, err.Error(), "must be positive")
		assert.Contains(t, err.Error(), "has space")
	})

	t.Run("MustRegistry panics on invalid definitions", func(t *testing.T) {
		assert.Panics(t, func() { MustRegistry(New("")) })
	})
}

func TestJoinPath(t *testing.T) {
	t.Run("Segments are formatted, trimmed and joined under the route", func(t *testing.T) {
		p, err := JoinPath("avatars", []any{" abraham ", 42, "a.b"})
		require.NoError(t, err)
		assert.Equal(t, "/avatars/abraham/42/a.b", p)
	})

	t.Run("Segments with slashes or spaces are rejected", func(t *testing.T) {
		_, err := JoinPath("avatars", []any{"a/b"})
		var ise *InvalidSegmentError
		require.ErrorAs(t, err, &ise)
		assert.Equal(t, "a/b", ise.Segment)

		_, err = JoinPath("avatars", []any{"a b"})
		assert.Error(t, err)
		_, err = JoinPath("avatars", []any{""})
		assert.Error(t, err)
		_, err = JoinPath("avatars", []any{".."})
		assert.Error(t, err)
	})

	t.Run("Object paths are validated segment by segment", func(t *testing.T) {
		assert.NoError(t, ValidatePath("/avatars/u1/photo_x1y2z.png"))
		assert.Error(t, ValidatePath("avatars/u1"))
		assert.Error(t, ValidatePath("/avatars//x"))
		assert.Error(t, ValidatePath("/avatars/../x"))
	})
}

func TestDirectory(t *testing.T) {
	t.Run("Routes without path function use the route name", func(t *testing.T) {
		dir, err := New("avatars").Directory(context.Background(), nil, nil)
		require.NoError(t, err)
		assert.Equal(t, "/avatars", dir)
	})

	t.Run("Typed path functions receive typed input and context", func(t *testing.T) {
		type in struct{ Album string }
		type user struct{ ID string }
		d := New("photos").Path(TypedPath(func(ctx context.Context, input in, u user) ([]any, error) {
			return []any{u.ID, input.Album}, nil
		}))
		dir, err := d.Directory(context.Background(), in{Album: "summer"}, user{ID: "u1"})
		require.NoError(t, err)
		assert.Equal(t, "/photos/u1/summer", dir)
	})

	t.Run("Path function errors are returned unchanged", func(t *testing.T) {
		boom := errors.New("boom")
		d := New("r").Path(func(context.Context, any, any) ([]any, error) { return nil, boom })
		_, err := d.Directory(context.Background(), nil, nil)
		assert.ErrorIs(t, err, boom)
	})
}

func TestMiddleware(t *testing.T) {
	type user struct{ ID string }
	d := New("r").Middleware(TypedMiddleware(func(ctx context.Context, _ any, r *http.Request) (user, error) {
		if r.Header.Get("Authorization") == "" {
			return user{}, errors.New("no token")
		}
		return user{ID: "u1"}, nil
	}))
	assert.True(t, d.HasMiddleware())

	r, _ := http.NewRequest(http.MethodPost, "/", nil)
	_, err := d.RunMiddleware(context.Background(), nil, r)
	assert.EqualError(t, err, "no token")

	r.Header.Set("Authorization", "Bearer x")
	c, err := d.RunMiddleware(context.Background(), nil, r)
	require.NoError(t, err)
	assert.Equal(t, user{ID: "u1"}, c)
}

type albumInput struct {
	Album string `json:"album"`
	Year  int    `json:"year,omitempty"`
	Note  *string
}

func (a *albumInput) Validate() protocol.FieldErrors {
	if a.Year != 0 && a.Year < 1900 {
		return protocol.FieldErrors{"year": {"must be 1900 or later"}}
	}
	return nil
}

func TestJSONInput(t *testing.T) {
	v := JSONInput[albumInput]()

	t.Run("Valid input decodes into the typed struct", func(t *testing.T) {
		out, err := v.Parse(json.RawMessage(`{"album":"summer","year":2020}`))
		require.NoError(t, err)
		assert.Equal(t, albumInput{Album: "summer", Year: 2020}, out)
	})

	t.Run("Missing required fields are reported", func(t *testing.T) {
		_, err := v.Parse(json.RawMessage(`{"year":2020}`))
		var fe protocol.FieldErrors
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, []string{"required"}, fe["album"])
	})

	t.Run("Unknown fields and wrong types are reported per field", func(t *testing.T) {
		_, err := v.Parse(json.RawMessage(`{"album":1,"extra":true}`))
		var fe protocol.FieldErrors
		require.ErrorAs(t, err, &fe)
		assert.Contains(t, fe, "album")
		assert.Equal(t, []string{"unknown field"}, fe["extra"])
	})

	t.Run("Fractional and overflowing numbers are rejected for integer fields", func(t *testing.T) {
		for _, raw := range []string{`{"album":"a","year":1999.5}`, `{"album":"a","year":1e30}`} {
			out, err := v.Parse(json.RawMessage(raw))
			assert.Nil(t, out, raw)
			var fe protocol.FieldErrors
			require.ErrorAs(t, err, &fe, raw)
			assert.Contains(t, fe, "year", raw)
		}
	})

	t.Run("Numbers are not accepted as strings", func(t *testing.T) {
		_, err := v.Parse(json.RawMessage(`{"album":2020}`))
		var fe protocol.FieldErrors
		require.ErrorAs(t, err, &fe)
		assert.Contains(t, fe, "album")
	})

	t.Run("Validate runs after a clean decode", func(t *testing.T) {
		_, err := v.Parse(json.RawMessage(`{"album":"old","year":1800}`))
		var fe protocol.FieldErrors
		require.ErrorAs(t, err, &fe)
		assert.Contains(t, fe, "year")
	})

	t.Run("Input that is not an object is rejected", func(t *testing.T) {
		_, err := v.Parse(json.RawMessage(`[1,2]`))
		var fe protocol.FieldErrors
		require.ErrorAs(t, err, &fe)
		assert.Contains(t, fe, "")
	})

	t.Run("Routes without validator parse to nil", func(t *testing.T) {
		out, err := New("r").ParseInput(json.RawMessage(`{"x":1}`))
		assert.NoError(t, err)
		assert.Nil(t, out)
	})
}
