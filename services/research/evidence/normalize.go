// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package evidence

import (
	"strconv"
	"strings"
	"unicode"
)

// negations flip a claim's polarity. Contractions appear with the
// apostrophe already stripped.
var negations = map[string]bool{
	"not": true, "no": true, "never": true, "none": true, "cannot": true,
	"cant": true, "dont": true, "doesnt": true, "didnt": true, "isnt": true,
	"arent": true, "wasnt": true, "werent": true, "wont": true, "hasnt": true,
	"havent": true, "hadnt": true, "shouldnt": true, "wouldnt": true, "couldnt": true,
}

// auxiliaries carry no meaning once polarity has been extracted, so
// "X does not support Y" and "X supports Y" share a topic.
var auxiliaries = map[string]bool{"do": true, "does": true, "did": true}

// claimShape is the normalized form of one claim.
type claimShape struct {
	// topic is what the claim is about: content words, no quantities,
	// no negation.
	topic string

	// assertion is what the claim says about the topic: polarity plus
	// the quantities in order of appearance.
	assertion string
}

// identity is the key two claims must share to count as the same claim.
func (c claimShape) identity() string {
	return c.topic + "#" + c.assertion
}

// shapeOf normalizes claim text.
//
// Description:
//
//	Lower-cases, splits on whitespace and strips surrounding punctuation.
//	Tokens holding digits become quantities, normalized so that "$50",
//	"$50.00" and "$50," compare equal. Negation words set the polarity.
//	Remaining words lose inner punctuation and a plural or third-person
//	"s" so that "costs" and "cost" match.
func shapeOf(text string) claimShape {
	var words, quantities []string
	negated := false

	for _, field := range strings.Fields(strings.ToLower(text)) {
		if q, ok := quantity(field); ok {
			quantities = append(quantities, q)
			continue
		}
		word := strings.Map(func(r rune) rune {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				return r
			}
			return -1
		}, field)
		switch {
		case word == "":
			continue
		case negations[word]:
			negated = !negated
			continue
		case auxiliaries[word]:
			continue
		}
		words = append(words, stem(word))
	}

	polarity := "+"
	if negated {
		polarity = "-"
	}
	topic := strings.Join(words, " ")
	if topic == "" {
		topic = strings.Join(quantities, " ")
	}
	return claimShape{
		topic:     topic,
		assertion: polarity + strings.Join(quantities, ","),
	}
}

// quantity recognizes numeric tokens such as "50", "$1,299.00", "12%",
// "€30" or "3.5x" and returns a canonical form.
func quantity(field string) (string, bool) {
	tok := strings.TrimFunc(field, func(r rune) bool {
		return unicode.IsPunct(r) && r != '%' && r != '$'
	})
	tok = strings.TrimRight(tok, ".,;:")
	if tok == "" || !strings.ContainsFunc(tok, unicode.IsDigit) {
		return "", false
	}

	prefix, suffix := "", ""
	for _, sym := range []string{"$", "€", "£", "¥"} {
		if strings.HasPrefix(tok, sym) {
			prefix, tok = sym, strings.TrimPrefix(tok, sym)
			break
		}
	}
	end := len(tok)
	for end > 0 && !unicode.IsDigit(rune(tok[end-1])) {
		end--
	}
	suffix, tok = tok[end:], tok[:end]

	start := 0
	for start < len(tok) && !unicode.IsDigit(rune(tok[start])) && tok[start] != '.' {
		start++
	}
	if start > 0 {
		// Letters before the digits ("v2", "gpt4") make this an
		// identifier, not a quantity.
		return "", false
	}

	digits := strings.ReplaceAll(tok, ",", "")
	v, err := strconv.ParseFloat(digits, 64)
	if err != nil {
		return "", false
	}
	return prefix + strconv.FormatFloat(v, 'f', -1, 64) + suffix, true
}

func stem(word string) string {
	if len(word) > 3 && strings.HasSuffix(word, "s") && !strings.HasSuffix(word, "ss") {
		return strings.TrimSuffix(word, "s")
	}
	return word
}
