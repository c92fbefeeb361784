package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Profile is the cached identity of the signed-in user. Fields the client
// does not model are kept in Extra so the cached blob round-trips.
type Profile struct {
	ID              string
	Name            string
	Email           string
	Role            string
	Phone           string
	ClassName       string
	Section         string
	AvatarPath      string
	ProfilePhotoURL string
	PhotoURL        string
	ImagePath       string
	Extra           map[string]json.RawMessage
}

var profileKnownKeys = map[string]struct{}{
	"id": {}, "name": {}, "email": {}, "user_type": {}, "phone": {}, "class_name": {},
	"section": {}, "avatar_url": {}, "profile_photo_url": {}, "photo_url": {}, "image_path": {},
}

func (p *Profile) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode profile: %w", err)
	}
	if raw == nil {
		return fmt.Errorf("decode profile: not an object")
	}
	id, err := looseString(raw["id"])
	if err != nil {
		return fmt.Errorf("decode profile id: %w", err)
	}
	*p = Profile{ID: id}
	fields := map[string]*string{
		"name":              &p.Name,
		"email":             &p.Email,
		"user_type":         &p.Role,
		"phone":             &p.Phone,
		"class_name":        &p.ClassName,
		"section":           &p.Section,
		"avatar_url":        &p.AvatarPath,
		"profile_photo_url": &p.ProfilePhotoURL,
		"photo_url":         &p.PhotoURL,
		"image_path":        &p.ImagePath,
	}
	for key, dst := range fields {
		v, err := looseString(raw[key])
		if err != nil {
			return fmt.Errorf("decode profile %s: %w", key, err)
		}
		*dst = v
	}
	for key, value := range raw {
		if _, known := profileKnownKeys[key]; known {
			continue
		}
		if p.Extra == nil {
			p.Extra = make(map[string]json.RawMessage)
		}
		p.Extra[key] = value
	}
	return nil
}

func (p Profile) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Extra)+len(profileKnownKeys))
	for key, value := range p.Extra {
		out[key] = value
	}
	if n, err := strconv.ParseInt(p.ID, 10, 64); err == nil {
		out["id"] = n
	} else {
		out["id"] = p.ID
	}
	out["name"] = p.Name
	out["email"] = p.Email
	optional := map[string]string{
		"user_type":         p.Role,
		"phone":             p.Phone,
		"class_name":        p.ClassName,
		"section":           p.Section,
		"avatar_url":        p.AvatarPath,
		"profile_photo_url": p.ProfilePhotoURL,
		"photo_url":         p.PhotoURL,
		"image_path":        p.ImagePath,
	}
	for key, value := range optional {
		if value != "" {
			out[key] = value
		}
	}
	return json.Marshal(out)
}

// AvatarURL picks the first photo field that is set and resolves a relative
// path against the origin of apiBase. Empty when the profile has no photo.
func (p *Profile) AvatarURL(apiBase string) string {
	if p == nil {
		return ""
	}
	candidate := ""
	for _, c := range []string{p.AvatarPath, p.ProfilePhotoURL, p.PhotoURL, p.ImagePath} {
		if c != "" {
			candidate = c
			break
		}
	}
	if candidate == "" {
		return ""
	}
	lower := strings.ToLower(candidate)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return candidate
	}
	u, err := url.Parse(apiBase)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return candidate
	}
	return u.Scheme + "://" + u.Host + "/" + strings.TrimPrefix(candidate, "/")
}

// Initials returns up to two upper-cased leading letters of the name words.
func (p *Profile) Initials() string {
	if p == nil || strings.TrimSpace(p.Name) == "" {
		return "LM"
	}
	var b strings.Builder
	count := 0
	for _, word := range strings.Fields(p.Name) {
		r, _ := utf8.DecodeRuneInString(word)
		b.WriteRune(unicode.ToUpper(r))
		count++
		if count == 2 {
			break
		}
	}
	return b.String()
}

func looseString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	case '{', '[':
		return "", fmt.Errorf("unexpected %s value", string(raw[:1]))
	default:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			// booleans are kept as their literal text
			return string(raw), nil
		}
		return n.String(), nil
	}
}
