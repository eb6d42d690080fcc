// Package cdnurl parses CDN image URLs that carry on-the-fly transform
// segments of the form /cdn-cgi/image/<k=v,...>/<path>.
package cdnurl

import (
	"net/url"
	"path"
	"regexp"
	"strings"
)

var (
	paramsRe = regexp.MustCompile(`/cdn-cgi/image/([^/]+)/`)
	pathRe   = regexp.MustCompile(`/cdn-cgi/image/[^/]+/(.+)$`)
)

// ParseParams returns the transform parameters embedded in a CDN URL, e.g.
// {"f": "auto", "w": "270", "q": "70"}. URLs without a transform segment
// yield an empty map.
func ParseParams(rawURL string) map[string]string {
	params := map[string]string{}
	m := paramsRe.FindStringSubmatch(rawURL)
	if m == nil {
		return params
	}
	for _, p := range strings.Split(m[1], ",") {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		params[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return params
}

// OriginalPath returns the image path behind the transform segment, or the
// URL path without its leading slash when there is none.
func OriginalPath(rawURL string) string {
	if m := pathRe.FindStringSubmatch(rawURL); m != nil {
		return m[1]
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return strings.TrimPrefix(rawURL, "/")
	}
	return strings.TrimPrefix(u.Path, "/")
}

// ImageID derives the stable identifier for an image: the last path element
// without its extension.
func ImageID(ref string) string {
	name := ref
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		name = ref[i+1:]
	}
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[:i]
	}
	return name
}

// OriginalURL rebuilds the untransformed URL for downloading the source asset.
func OriginalURL(cdnURL string) string {
	u, err := url.Parse(cdnURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return cdnURL
	}
	p := OriginalPath(cdnURL)
	if p == "" {
		return cdnURL
	}
	return u.Scheme + "://" + u.Host + "/" + p
}

// Extension returns the lowercase file extension of the image path, "png"
// when none is present.
func Extension(rawURL string) string {
	p := OriginalPath(rawURL)
	if p == "" {
		p = rawURL
	}
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(p)), ".")
	if ext == "" {
		return "png"
	}
	return ext
}

// directParams are the transform keys understood by the destination services
// under the same name.
var directParams = []string{"w", "h", "fit", "q", "f", "blur", "sharpen", "brightness", "contrast"}

// MapParams translates CDN transform parameters into the destination's
// flexible-variant vocabulary.
func MapParams(old map[string]string) map[string]string {
	mapped := map[string]string{}
	for _, k := range directParams {
		if v, ok := old[k]; ok {
			mapped[k] = v
		}
	}
	if v, ok := old["quality"]; ok {
		mapped["q"] = v
	}
	return mapped
}
