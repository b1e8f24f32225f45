package callinterceptor

import (
	"strconv"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// numberNormalizer rewrites caller IDs to E.164 so that "07700 900123",
// "00447700900123" and "+447700900123" hit the same block-list entry.
type numberNormalizer struct {
	countryCode string
	region      string
}

func newNumberNormalizer(countryCode string) *numberNormalizer {
	n := &numberNormalizer{countryCode: countryCode}
	if cc, err := strconv.Atoi(countryCode); err == nil {
		n.region = phonenumbers.GetRegionCodeForCountryCode(cc)
	}
	return n
}

func (n *numberNormalizer) normalize(callerID string) string {
	if n.region != "" {
		if num, err := phonenumbers.Parse(callerID, n.region); err == nil {
			return phonenumbers.Format(num, phonenumbers.E164)
		}
	}
	return convertToInternational(callerID, n.countryCode)
}

func convertToInternational(callerID string, countryCode string) string {
	// + is good
	if strings.HasPrefix(callerID, "+") {
		return callerID
	}

	// 00 - replace with +
	if strings.HasPrefix(callerID, "00") {
		return "+" + callerID[2:]
	}

	// if it starts from country code from config, add a plus
	if strings.HasPrefix(callerID, countryCode) {
		return "+" + callerID
	}

	// if it starts with a single zero, replace it with a +countryCode
	if strings.HasPrefix(callerID, "0") {
		return "+" + countryCode + callerID[1:]
	}

	// all other cases, just add a + and country code
	return "+" + countryCode + callerID
}
