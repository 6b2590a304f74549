package browser

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"calsync/internal/locator"
)

const (
	matchAttr = "data-calsync-match"
	pollEvery = 100 * time.Millisecond
)

// jsString renders s as a JavaScript string literal.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// visibleMatches is an expression yielding the visible elements matching the
// rule's selector whose text contains the rule's text, case-insensitively.
func visibleMatches(r locator.Rule) string {
	return fmt.Sprintf(`Array.from(document.querySelectorAll(%s)).filter(el => {
  const want = %s;
  const box = el.getBoundingClientRect();
  const style = window.getComputedStyle(el);
  if (box.width === 0 && box.height === 0) return false;
  if (style.visibility === "hidden" || style.display === "none") return false;
  return want === "" || (el.textContent || "").toLowerCase().includes(want);
})`, jsString(r.Selector), jsString(strings.ToLower(r.Text)))
}

func countScript(r locator.Rule) string {
	return fmt.Sprintf(`(() => %s.length)()`, visibleMatches(r))
}

func textsScript(r locator.Rule) string {
	return fmt.Sprintf(`(() => %s.map(el => (el.textContent || "").trim()))()`, visibleMatches(r))
}

func tagScript(r locator.Rule, tag string) string {
	return fmt.Sprintf(`(() => {
  const hits = %s;
  if (hits.length === 0) return false;
  hits[0].setAttribute(%s, %s);
  return true;
})()`, visibleMatches(r), jsString(matchAttr), jsString(tag))
}

func disabledScript(r locator.Rule) string {
	return fmt.Sprintf(`(() => {
  const hits = %s;
  if (hits.length === 0) return true;
  const el = hits[0];
  return el.disabled === true ||
    el.getAttribute("aria-disabled") === "true" ||
    (el.className || "").toString().includes("disabled");
})()`, visibleMatches(r))
}

// scrollScript scrolls the window and every scrollable container, which is
// where lazily loaded tables keep their rows.
const scrollScript = `(() => {
  window.scrollTo(0, document.body.scrollHeight);
  for (const el of document.querySelectorAll("*")) {
    const style = window.getComputedStyle(el);
    if ((style.overflowY === "auto" || style.overflowY === "scroll") && el.scrollHeight > el.clientHeight) {
      el.scrollTop = el.scrollHeight;
    }
  }
  return true;
})()`
