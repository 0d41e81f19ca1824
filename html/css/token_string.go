// Code generated by "stringer -type Token"; DO NOT EDIT.

package css

import "strconv"

func _() {
	// An "invalid array index" compiler error signifies that the constant values have changed.
	// Re-run the stringer command to generate them again.
	var x [1]struct{}
	_ = x[Unknown-0]
	_ = x[EOF-1]
	_ = x[Ident-2]
	_ = x[Function-3]
	_ = x[AtKeyword-4]
	_ = x[Hash-5]
	_ = x[String-6]
	_ = x[BadString-7]
	_ = x[URL-8]
	_ = x[BadURL-9]
	_ = x[Delim-10]
	_ = x[Number-11]
	_ = x[Percentage-12]
	_ = x[Dimension-13]
	_ = x[UnicodeRange-14]
	_ = x[IncludeMatch-15]
	_ = x[DashMatch-16]
	_ = x[PrefixMatch-17]
	_ = x[SuffixMatch-18]
	_ = x[SubstringMatch-19]
	_ = x[Column-20]
	_ = x[CDO-21]
	_ = x[CDC-22]
	_ = x[Colon-23]
	_ = x[Semicolon-24]
	_ = x[Comma-25]
	_ = x[LeftBrack-26]
	_ = x[RightBrack-27]
	_ = x[LeftParen-28]
	_ = x[RightParen-29]
	_ = x[LeftBrace-30]
	_ = x[RightBrace-31]
}

const _Token_name = "UnknownEOFIdentFunctionAtKeywordHashStringBadStringURLBadURLDelimNumberPercentageDimensionUnicodeRangeIncludeMatchDashMatchPrefixMatchSuffixMatchSubstringMatchColumnCDOCDCColonSemicolonCommaLeftBrackRightBrackLeftParenRightParenLeftBraceRightBrace"

var _Token_index = [...]uint8{0, 7, 10, 15, 23, 32, 36, 42, 51, 54, 60, 65, 71, 81, 90, 102, 114, 123, 134, 145, 159, 165, 168, 171, 176, 185, 190, 199, 209, 218, 228, 237, 247}

func (i Token) String() string {
	if i >= Token(len(_Token_index)-1) {
		return "Token(" + strconv.FormatInt(int64(i), 10) + ")"
	}
	return _Token_name[_Token_index[i]:_Token_index[i+1]]
}
