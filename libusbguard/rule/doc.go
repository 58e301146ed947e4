// Package rule implements the USB device rule language: the attribute
// model, the conditions a rule may place on attributes, parsing of rule
// specifications and their canonical text form.
//
// A rule specification is a target followed by conditions:
//
//	allow id 1234:5678 serial "0001" with-interface one-of { 08:*:* 03:01:* }
//	block name =~ "^Keyboard" label "no hid"
//	reject vendor-id >= 8000 temporary
//
// Every condition of a rule must match for the rule to match. Operators
// are checked against the declared kind of their attribute when a rule
// is parsed, so a parsed rule can always be evaluated.
package rule
