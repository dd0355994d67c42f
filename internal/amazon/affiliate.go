package amazon

import "strings"

// ProductURL is the canonical storefront link for an item, without any
// affiliate decoration. This is what gets persisted.
func ProductURL(region Region, asin ASIN) string {
	return "https://www." + region.Domain + "/dp/" + string(asin)
}

// AffiliateURL decorates the product link with the associate tag. With no
// tag configured it degrades to the plain product link.
func AffiliateURL(region Region, asin ASIN, tag string) string {
	u := ProductURL(region, asin)
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return u
	}
	return u + "?tag=" + tag
}

// StripAffiliateTag returns the canonical part of a product URL, dropping a
// ?tag=... suffix if one is present.
func StripAffiliateTag(u string) string {
	if i := strings.Index(u, "?tag="); i >= 0 {
		return u[:i]
	}
	return u
}
