// Package scrape extracts the few values the chat protocol only exposes
// through HTML pages: the fkey token, the room roster, login forms,
// message history details and upload results.
package scrape

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/vovakirdan/chatexchange-sdk/chatexchange-sdk-go/chatexchange/rest"
)

// ErrMissing is returned when an expected element is absent from a page.
var ErrMissing = errors.New("scrape: element not found")

var (
	roomUserPattern     = regexp.MustCompile(`\{id:\s?(\d+),`)
	uploadFailedPattern = regexp.MustCompile(`var error = '(.+)';`)
	uploadResultPattern = regexp.MustCompile(`var result = '(.+)';`)
)

// roomUsersScript is the index of the <script> block on the room page that
// seeds the user list.
const roomUsersScript = 3

func parse(page []byte) (*html.Node, error) {
	doc, err := html.Parse(bytes.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("scrape: parse html: %w", err)
	}
	return doc, nil
}

// FKey returns the anti-forgery token of a chat page: the value of the
// element with id "fkey", or of the first input named "fkey".
func FKey(page []byte) (string, error) {
	doc, err := parse(page)
	if err != nil {
		return "", err
	}
	n := findFirst(doc, byID("fkey"))
	if n == nil {
		n = findFirst(doc, func(n *html.Node) bool {
			name, _ := attr(n, "name")
			return n.Data == "input" && name == "fkey"
		})
	}
	if n == nil {
		return "", fmt.Errorf("%w: fkey", ErrMissing)
	}
	v, _ := attr(n, "value")
	if v == "" {
		return "", fmt.Errorf("%w: fkey value", ErrMissing)
	}
	return v, nil
}

// RoomUserIDs returns the ids of the users the room page lists as present.
func RoomUserIDs(page []byte) ([]int64, error) {
	doc, err := parse(page)
	if err != nil {
		return nil, err
	}
	scripts := findAll(doc, byTag("script"))
	if len(scripts) <= roomUsersScript {
		return nil, fmt.Errorf("%w: room user script", ErrMissing)
	}

	var ids []int64
	for _, m := range roomUserPattern.FindAllStringSubmatch(rawText(scripts[roomUsersScript]), -1) {
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("scrape: room user id %q: %w", m[1], err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Form is an HTML form reduced to its action and named inputs.
type Form struct {
	Action string
	Fields []rest.Field
}

// FormByID returns the form (or form container) with the given id.
// Inputs without a name are skipped.
func FormByID(page []byte, id string) (*Form, bool, error) {
	doc, err := parse(page)
	if err != nil {
		return nil, false, err
	}
	n := findFirst(doc, byID(id))
	if n == nil {
		return nil, false, nil
	}
	form := &Form{}
	form.Action, _ = attr(n, "action")
	for _, in := range findAll(n, byTag("input")) {
		name, _ := attr(in, "name")
		if name == "" {
			continue
		}
		value, _ := attr(in, "value")
		form.Fields = append(form.Fields, rest.Field{Name: name, Value: value})
	}
	return form, true, nil
}

// HasClass reports whether any element on the page carries class.
func HasClass(page []byte, class string) (bool, error) {
	doc, err := parse(page)
	if err != nil {
		return false, err
	}
	return findFirst(doc, byClass(class)) != nil, nil
}

// UploadResult extracts the uploaded image URL from the upload response
// page. A server-reported failure is returned as an error carrying the
// server's message.
func UploadResult(page []byte) (string, error) {
	doc, err := parse(page)
	if err != nil {
		return "", err
	}
	script := findFirst(doc, byTag("script"))
	if script == nil {
		return "", fmt.Errorf("%w: upload script", ErrMissing)
	}
	js := rawText(script)
	if m := uploadFailedPattern.FindStringSubmatch(js); m != nil {
		return "", &UploadError{Reason: m[1]}
	}
	if m := uploadResultPattern.FindStringSubmatch(js); m != nil {
		return m[1], nil
	}
	return "", fmt.Errorf("%w: upload result", ErrMissing)
}

// UploadError is the failure message reported by the upload endpoint.
type UploadError struct {
	Reason string
}

func (e *UploadError) Error() string {
	return "scrape: upload rejected: " + e.Reason
}

// History holds what the message history page reveals about a message.
type History struct {
	PlainContent string
	StarCount    int
	Pinned       bool
	// EditCount excludes the original and the current revision.
	EditCount int
	AuthorID  int64
	Deleted   bool
	// LastTimestamp is the text of the last ".timestamp" element, e.g. "3:04 PM".
	LastTimestamp string
}

// ParseHistory reads the /messages/<id>/history page.
func ParseHistory(page []byte) (*History, error) {
	doc, err := parse(page)
	if err != nil {
		return nil, err
	}

	contents := findAll(doc, within(byClass("messages"), byClass("content")))
	if len(contents) < 2 {
		return nil, fmt.Errorf("%w: message revisions", ErrMissing)
	}

	h := &History{EditCount: len(contents) - 2}
	if src := findFirst(contents[1], byClass("message-source")); src != nil {
		h.PlainContent = text(src)
	}

	starred := within(byClass("flash"), byClass("stars", "vote-count-container"))
	if star := findFirst(doc, within(byClass("messages"), starred)); star != nil {
		h.StarCount = 1
		if times := findFirst(star, byClass("times")); times != nil {
			if t := text(times); t != "" {
				n, err := strconv.Atoi(t)
				if err != nil {
					return nil, fmt.Errorf("scrape: star count %q: %w", t, err)
				}
				h.StarCount = n
			}
		}
	}

	h.Pinned = findFirst(doc, byClass("vote-count-container", "stars", "owner-star")) != nil

	for _, c := range contents {
		for _, b := range findAll(c, byTag("b")) {
			if text(b) == "deleted" {
				h.Deleted = true
			}
		}
	}

	if a := findFirst(doc, childOf(byClass("username"), byTag("a"))); a != nil {
		href, _ := attr(a, "href")
		// href looks like /users/<id>/<slug>
		parts := strings.Split(href, "/")
		if len(parts) > 2 {
			id, err := strconv.ParseInt(parts[2], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("scrape: author id in %q: %w", href, err)
			}
			h.AuthorID = id
		}
	}

	if stamps := findAll(doc, byClass("timestamp")); len(stamps) > 0 {
		h.LastTimestamp = text(stamps[len(stamps)-1])
	}
	return h, nil
}

// LinkTexts returns the text of every <a> element in an HTML fragment,
// e.g. the tag list of a room's thumbnail.
func LinkTexts(fragment string) ([]string, error) {
	doc, err := parse([]byte(fragment))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, a := range findAll(doc, byTag("a")) {
		out = append(out, text(a))
	}
	return out, nil
}
