package service

import (
	"regexp"

	"github.com/pkg/errors"
)

const maxSlugLen = 128

var slugPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// reservedSlugs are identifiers with a fixed meaning inside materialized
// task inputs and run documents; allowing them as step slugs would make
// dependency outputs collide with engine-provided keys.
var reservedSlugs = map[string]bool{
	"run":    true,
	"input":  true,
	"output": true,
	"status": true,
}

func validateSlug(slug string) error {
	if slug == "" {
		return errors.Wrap(ErrInvalidSlug, "slug is empty")
	}
	if len(slug) > maxSlugLen {
		return errors.Wrapf(ErrInvalidSlug, "slug %q exceeds %d characters", slug, maxSlugLen)
	}
	if !slugPattern.MatchString(slug) {
		return errors.Wrapf(ErrInvalidSlug, "slug %q must match %s", slug, slugPattern.String())
	}
	if reservedSlugs[slug] {
		return errors.Wrapf(ErrInvalidSlug, "slug %q is reserved", slug)
	}
	return nil
}
