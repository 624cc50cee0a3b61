package message

import "github.com/emersion/go-message/mail"

// formatAddresses serializes addrs into the comma-separated RFC 5322 form
// stored in the from_field/receivers/cc/bcc columns.
func formatAddresses(addrs []Address) string {
	if len(addrs) == 0 {
		return ""
	}
	out := make([]*mail.Address, len(addrs))
	for i, a := range addrs {
		out[i] = &mail.Address{Name: a.Name, Address: a.Email}
	}

	var h mail.Header
	h.SetAddressList("X-Addr", out)
	return h.Get("X-Addr")
}

// parseAddresses parses the stored column text back into Address values. A
// go-message mail.Header is used as the parser rather than hand-rolling
// RFC 5322 address-list grammar.
func parseAddresses(raw string) []Address {
	if raw == "" {
		return nil
	}
	var h mail.Header
	h.Set("X-Addr", raw)
	parsed, err := h.AddressList("X-Addr")
	if err != nil || len(parsed) == 0 {
		return nil
	}
	out := make([]Address, len(parsed))
	for i, a := range parsed {
		out[i] = Address{Name: a.Name, Email: a.Address}
	}
	return out
}
