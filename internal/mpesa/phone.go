package mpesa

import "strings"

// CountryCode is the Kenyan dialling prefix Daraja expects on MSISDNs.
const CountryCode = "254"

// NormalizePhone converts local and international spellings of a Kenyan
// number to 2547XXXXXXXX: spaces, dashes and a leading "+" are dropped, a
// leading "0" is replaced by the country code, and a bare subscriber number
// is prefixed with it.
func NormalizePhone(phone string) string {
	p := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(strings.TrimSpace(phone))
	p = strings.TrimPrefix(p, "+")
	if strings.HasPrefix(p, "0") {
		p = CountryCode + strings.TrimPrefix(p, "0")
	}
	if !strings.HasPrefix(p, CountryCode) {
		p = CountryCode + p
	}
	return p
}
