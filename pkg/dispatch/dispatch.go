package dispatch

import (
	"strings"
)

// FlowSnapshot is the minimal view of the flow state Dispatch needs. It is
// declared locally (rather than importing pkg/flowstate) so the pure
// router has no dependency on the stateful service that hydrates it.
type FlowSnapshot struct {
	Active bool
	Type   string // e.g. "ORDER_CREATE", "ORDER_STATUS", "ORDER_MODIFY"
}

// Blocklist is the contact-blocklist collaborator: a normalized-contact lookup
// that short-circuits dispatch to Drop on a hit.
type Blocklist interface {
	IsBlocked(normalizedContact string) (bool, error)
}

// Policies bundles the external policy collaborators Dispatch consults.
type Policies struct {
	Blocklist Blocklist
}

const frustrationThreshold = 2

var (
	cancelWords   = []string{"cancel", "cancelar", "stop", "nevermind", "never mind"}
	handoffWords  = []string{"human", "person", "agent", "representative", "hablar con alguien", "hablar con una persona"}
	greetingWords = []string{"hi", "hello", "hola", "buenos dias", "buenas tardes", "buenas noches", "hey"}
	thanksWords   = []string{"thanks", "thank you", "gracias"}
	frustrationWords = []string{"ridiculous", "terrible", "angry", "furious", "awful", "pésimo", "pesimo", "enojado", "molesto"}
	statusWords      = []string{"where is my order", "order status", "track my order", "donde esta mi pedido", "estado de mi pedido"}
	modifyWords      = []string{"change my order", "modify my order", "cambiar mi pedido", "modificar mi pedido"}
	createWords      = []string{"i want to order", "quiero ordenar", "quiero pedir", "new order", "place an order"}
)

var faqTable = map[string]string{
	"hours":       "what time do you open",
	"location":    "where are you located",
	"delivery":    "do you deliver",
	"payment":     "what payment methods",
}

// normalize lower-cases and trims text for keyword matching.
func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// normalizeContact canonicalizes a contact: phone numbers
// keep digits and a leading '+'; emails are lower-cased and trimmed.
func normalizeContact(c Contact) string {
	if c.Phone != "" {
		var b strings.Builder
		for i, r := range c.Phone {
			if r == '+' && i == 0 {
				b.WriteRune(r)
				continue
			}
			if r >= '0' && r <= '9' {
				b.WriteRune(r)
			}
		}
		return b.String()
	}
	return normalize(c.Email)
}

// Dispatch is the pure router. It never blocks and never calls an LLM.
func Dispatch(event InboundEvent, flow FlowSnapshot, policies Policies) (Route, error) {
	if policies.Blocklist != nil {
		key := normalizeContact(event.Contact)
		if key != "" {
			blocked, err := policies.Blocklist.IsBlocked(key)
			if err != nil {
				return Route{}, err
			}
			if blocked {
				return Route{Kind: Drop, DropReason: "blocklisted"}, nil
			}
		}
	}

	text := normalize(event.Text)

	// An explicit cancellation or handoff request always wins, even over a
	// continuing flow.
	if containsAny(text, cancelWords) {
		return Route{Kind: SimpleReply, ResponseText: "Your current request has been cancelled.", ClearFlow: true}, nil
	}
	if containsAny(text, handoffWords) {
		return Route{Kind: HandoffHuman}, nil
	}

	// A non-empty flow state pins the route to its continuing flow unless
	// the event above already short-circuited it.
	if flow.Active {
		switch flow.Type {
		case "ORDER_CREATE":
			return Route{Kind: FlowOrderCreate, Continue: true}, nil
		case "ORDER_STATUS":
			return Route{Kind: FlowOrderStatus, Continue: true}, nil
		case "ORDER_MODIFY":
			return Route{Kind: FlowOrderModify, Continue: true}, nil
		}
	}

	if containsAny(text, frustrationWords) {
		return Route{Kind: EscalateFrustration, Level: frustrationLevel(text)}, nil
	}
	if containsAny(text, thanksWords) {
		return Route{Kind: SimpleReply, ResponseText: "You're welcome!"}, nil
	}
	if containsAny(text, greetingWords) {
		return Route{Kind: Greeting}, nil
	}
	if faqKey, ok := matchFAQ(text); ok {
		return Route{Kind: FAQ, FAQKey: faqKey}, nil
	}
	if containsAny(text, createWords) {
		return Route{Kind: FlowOrderCreate, Hints: map[string]string{"source_text": event.Text}}, nil
	}
	if containsAny(text, statusWords) {
		return Route{Kind: FlowOrderStatus}, nil
	}
	if containsAny(text, modifyWords) {
		return Route{Kind: FlowOrderModify}, nil
	}

	return Route{Kind: AgenticFlow}, nil
}

func matchFAQ(text string) (string, bool) {
	for key, phrase := range faqTable {
		if strings.Contains(text, phrase) {
			return key, true
		}
	}
	return "", false
}

// frustrationLevel is a coarse severity derived from repeated frustration
// signals in the same message; a real classifier would track this across
// the conversation, but Dispatch is stateless by contract.
func frustrationLevel(text string) string {
	count := 0
	for _, w := range frustrationWords {
		if strings.Contains(text, w) {
			count++
		}
	}
	if count >= frustrationThreshold {
		return "high"
	}
	return "low"
}
