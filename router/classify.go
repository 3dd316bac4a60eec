package router

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/richardartoul/cacherouter/config"
)

// Category is the class a request falls into for caching purposes.
type Category string

const (
	CategoryStatic Category = "static"
	CategoryAPI    Category = "api"
	CategoryImage  Category = "image"
	CategoryOther  Category = "other"
)

// Classifier maps a URL path to a Category. It is a pure function of the
// path, so a given request identity always lands in the same partition.
type Classifier struct {
	static    *regexp.Regexp
	apiPrefix string
	image     *regexp.Regexp
	manifest  map[string]bool
}

// NewClassifier compiles the patterns. Paths listed in precache, ignoring
// any query, are always static assets.
func NewClassifier(p config.Patterns, precache []string) (*Classifier, error) {
	static, err := regexp.Compile(p.Static)
	if err != nil {
		return nil, fmt.Errorf("invalid static pattern: %w", err)
	}
	image, err := regexp.Compile(p.Image)
	if err != nil {
		return nil, fmt.Errorf("invalid image pattern: %w", err)
	}
	manifest := make(map[string]bool, len(precache))
	for _, entry := range precache {
		path, _, _ := strings.Cut(entry, "?")
		manifest[path] = true
	}
	return &Classifier{
		static:    static,
		apiPrefix: p.APIPrefix,
		image:     image,
		manifest:  manifest,
	}, nil
}

// Classify checks static first, then API, then image. Static and image
// patterns may both match an extension such as .png; static wins.
func (c *Classifier) Classify(path string) Category {
	switch {
	case c.manifest[path] || c.static.MatchString(path):
		return CategoryStatic
	case c.apiPrefix != "" && strings.HasPrefix(path, c.apiPrefix):
		return CategoryAPI
	case c.image.MatchString(path):
		return CategoryImage
	default:
		return CategoryOther
	}
}
