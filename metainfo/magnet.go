package metainfo

import (
	"encoding/base32"
	"net/url"
	"strings"

	"github.com/torrentd/engine/core"
)

// MagnetLink is the information recoverable from a magnet URI without
// contacting a metadata peer: an info-hash, optional display name, and
// whatever trackers/web seeds/exact-source hints the URI carries.
type MagnetLink struct {
	InfoHash core.InfoHash
	Name     string
	Trackers []string
	WebSeeds []string
	Source   string
}

// ParseMagnetURI parses a magnet: URI's xt=urn:btih: info-hash (hex-40
// or base32-32), plus its dn, tr, ws and xs parameters.
func ParseMagnetURI(raw string) (*MagnetLink, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, core.NewError(core.KindMetadata, err, "invalid magnet URI")
	}
	if u.Scheme != "magnet" {
		return nil, core.NewError(core.KindMetadata, nil, "not a magnet URI: scheme %q", u.Scheme)
	}

	q := u.Query()

	var hash core.InfoHash
	found := false
	for _, xt := range q["xt"] {
		const prefix = "urn:btih:"
		if !strings.HasPrefix(xt, prefix) {
			continue
		}
		h, err := decodeBTIH(strings.TrimPrefix(xt, prefix))
		if err != nil {
			return nil, err
		}
		hash = h
		found = true
		break
	}
	if !found {
		return nil, core.NewError(core.KindMetadata, nil, "magnet URI missing xt=urn:btih: parameter")
	}

	link := &MagnetLink{
		InfoHash: hash,
		Name:     q.Get("dn"),
		Trackers: q["tr"],
		WebSeeds: q["ws"],
		Source:   q.Get("xs"),
	}
	return link, nil
}

func decodeBTIH(s string) (core.InfoHash, error) {
	switch len(s) {
	case 40:
		h, err := core.NewInfoHashFromHex(s)
		if err != nil {
			return core.InfoHash{}, core.NewError(core.KindMetadata, err, "invalid hex info-hash in magnet URI")
		}
		return h, nil
	case 32:
		b, err := base32.StdEncoding.DecodeString(strings.ToUpper(s))
		if err != nil {
			return core.InfoHash{}, core.NewError(core.KindMetadata, err, "invalid base32 info-hash in magnet URI")
		}
		h, err := core.InfoHashFromRawBytes(b)
		if err != nil {
			return core.InfoHash{}, core.NewError(core.KindMetadata, err, "invalid info-hash in magnet URI")
		}
		return h, nil
	default:
		return core.InfoHash{}, core.NewError(core.KindMetadata, nil,
			"magnet URI info-hash has invalid length %d, expected 40 (hex) or 32 (base32)", len(s))
	}
}
