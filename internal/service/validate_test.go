package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/smartfarmdiy/strawbydetet/internal/domain"
)

func TestValidate(t *testing.T) {
	image := ImagePolicy(1024)
	video := VideoPolicy(1 << 20)

	type args struct {
		file   domain.File
		policy Policy
	}
	tests := []struct {
		name string
		args args
		want bool
	}{
		{name: "jpeg ok", args: args{domain.File{Name: "berry.jpg", MediaType: "image/jpeg", Size: 10}, image}, want: true},
		{name: "png with params ok", args: args{domain.File{Name: "leaf.PNG", MediaType: "Image/PNG; charset=binary", Size: 1024}, image}, want: true},
		{name: "mp4 ok", args: args{domain.File{Name: "field.mp4", MediaType: "video/mp4", Size: 2048}, video}, want: true},
		{name: "gif type", args: args{domain.File{Name: "a.gif", MediaType: "image/gif", Size: 10}, image}},
		{name: "video type on image policy", args: args{domain.File{Name: "a.jpg", MediaType: "video/mp4", Size: 10}, image}},
		{name: "empty type", args: args{domain.File{Name: "a.jpg", Size: 10}, image}},
		{name: "one byte over", args: args{domain.File{Name: "a.jpg", MediaType: "image/jpeg", Size: 1025}, image}},
		{name: "negative size", args: args{domain.File{Name: "a.jpg", MediaType: "image/jpeg", Size: -1}, image}},
		{name: "empty name", args: args{domain.File{Name: " ", MediaType: "image/jpeg", Size: 1}, image}},
		{name: "extension mismatch", args: args{domain.File{Name: "a.exe", MediaType: "image/jpeg", Size: 1}, image}},
		{name: "video over image ceiling ok on video policy", args: args{domain.File{Name: "b.avi", MediaType: "video/x-msvideo", Size: 4096}, video}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Validate(tt.args.file, tt.args.policy)
			assert.Equal(t, tt.want, got.Accepted)
			if !tt.want {
				assert.NotEmpty(t, got.Reason)
			}
		})
	}
}

func TestValidateRejectsDangerousNames(t *testing.T) {
	names := []string{
		"../etc/passwd.jpg",
		"a..jpg",
		"dir/a.jpg",
		`dir\a.jpg`,
		"c:a.jpg",
		`a"b.jpg`,
		"a|b.jpg",
		"a?.jpg",
		"a*.jpg",
		"a\x00.jpg",
		"a\nb.jpg",
		"a\x7f.jpg",
		"a\u0085.jpg",
		// полноширинные косая черта и точки
		"dir／a.jpg",
		"．．.jpg",
	}
	for _, name := range names {
		// тип и размер допустимы, отказ только из-за имени
		got := Validate(domain.File{Name: name, MediaType: "image/jpeg", Size: 1}, ImagePolicy(1024))
		assert.False(t, got.Accepted, "%q", name)
		assert.NotEmpty(t, got.Reason, "%q", name)
	}
}

func TestValidateWithoutExtensionList(t *testing.T) {
	p := Policy{AllowedTypes: []string{"image/jpeg"}, MaxSizeBytes: 10}
	got := Validate(domain.File{Name: "capture", MediaType: "image/jpeg", Size: 5}, p)
	assert.True(t, got.Accepted)
}
