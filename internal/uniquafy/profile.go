package uniquafy

import (
	"net/url"
	"path"
	"regexp"
)

// sizeSuffix matches the thumbnail size markers platforms append to avatar file names.
var sizeSuffix = regexp.MustCompile(`_normal|_bigger|_mini`)

// HighResURL strips the first size marker from a profile image URL so it
// points at the original upload. URLs without a marker are returned as is.
func HighResURL(u string) string {
	loc := sizeSuffix.FindStringIndex(u)
	if loc == nil {
		return u
	}
	return u[:loc[0]] + u[loc[1]:]
}

// redactURL keeps the host and file name of u, dropping path segments and
// query parameters that may carry credentials.
func redactURL(u string) string {
	parsed, err := url.Parse(u)
	if err != nil || parsed.Host == "" {
		return ""
	}
	return parsed.Scheme + "://" + parsed.Host + "/.../" + path.Base(parsed.Path)
}
