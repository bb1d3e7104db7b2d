// Copyright 2017 Volker Dobler.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mockdata generates random values for mock directives like
//     @integer(1,100)
//     @email(example.org)
//     @date(yyyy-MM-dd)
//     @pick(red, green, blue)
// A directive is the name of a generator prefixed by '@' and followed by
// an optional, comma separated argument list in parentheses. Numeric
// generators return numbers, all others return strings (or bools).
package mockdata

import (
	"fmt"
	"math"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Random is the source for all randomness used in mockdata.
// Access must be guarded by randMux.
var Random *rand.Rand
var randMux sync.Mutex

func init() {
	Random = rand.New(rand.NewSource(time.Now().UnixNano()))
}

// Seed resets the random source; useful in tests.
func Seed(seed int64) {
	randMux.Lock()
	Random = rand.New(rand.NewSource(seed))
	randMux.Unlock()
}

func intn(n int) int {
	if n <= 0 {
		return 0
	}
	randMux.Lock()
	r := Random.Intn(n)
	randMux.Unlock()
	return r
}

func float() float64 {
	randMux.Lock()
	f := Random.Float64()
	randMux.Unlock()
	return f
}

// Now is the clock used by the date and time generators.
var Now = time.Now

// generator is one of the mock functions.
type generator struct {
	// args contains defaults and int-parsing marks for all
	// arguments. Examples
	//    ""      nothing special, no default
	//    "foo"   default value is foo
	//    "#"     value should be an integer
	//    "#3"    default value of 3 and interpreted as a number
	// A nil args accepts any number of string arguments.
	args []string
	fn   func(args []interface{}) (interface{}, error)
}

var generators map[string]generator

func init() {
	generators = map[string]generator{
		"integer":   {[]string{"#-1000000", "#1000000"}, mockInteger},
		"int":       {[]string{"#-1000000", "#1000000"}, mockInteger},
		"natural":   {[]string{"#0", "#1000000"}, mockInteger},
		"float":     {[]string{"#0", "#1000", "#0", "#2"}, mockFloat},
		"boolean":   {[]string{}, mockBoolean},
		"bool":      {[]string{}, mockBoolean},
		"string":    {[]string{"#8", "#"}, mockString},
		"word":      {[]string{"#3", "#10"}, mockWord},
		"sentence":  {[]string{"#4", "#12"}, mockSentence},
		"name":      {[]string{}, mockName},
		"first":     {[]string{}, mockFirst},
		"last":      {[]string{}, mockLast},
		"email":     {[]string{"example.org"}, mockEmail},
		"url":       {[]string{"http"}, mockURL},
		"ip":        {[]string{}, mockIP},
		"phone":     {[]string{}, mockPhone},
		"uuid":      {[]string{}, mockUUID},
		"guid":      {[]string{}, mockUUID},
		"date":      {[]string{"yyyy-MM-dd"}, mockTime},
		"time":      {[]string{"HH:mm:ss"}, mockTime},
		"datetime":  {[]string{"yyyy-MM-dd HH:mm:ss"}, mockTime},
		"now":       {[]string{"yyyy-MM-dd HH:mm:ss"}, mockNow},
		"timestamp": {[]string{}, mockTimestamp},
		"pick":      {nil, mockPick},
	}
}

var directiveRe = regexp.MustCompile(`^@([A-Za-z]+)\s*(?:\((.*)\))?$`)

// IsDirective reports whether s looks like a mock directive.
func IsDirective(s string) bool {
	return directiveRe.MatchString(strings.TrimSpace(s))
}

// Generate produces a value for the given directive, e.g. "@integer(1,6)".
func Generate(directive string) (interface{}, error) {
	m := directiveRe.FindStringSubmatch(strings.TrimSpace(directive))
	if m == nil {
		return nil, fmt.Errorf("mockdata: malformed directive %q", directive)
	}
	name := strings.ToLower(m[1])
	g, ok := generators[name]
	if !ok {
		return nil, fmt.Errorf("mockdata: no such generator @%s", m[1])
	}
	args, err := parseArgs(m[2], name, g)
	if err != nil {
		return nil, err
	}
	return g.fn(args)
}

// splitArgs splits s at commas and strips whitespace and optional quotes.
func splitArgs(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if len(p) >= 2 && (p[0] == '"' || p[0] == '\'') && p[len(p)-1] == p[0] {
			p = p[1 : len(p)-1]
		}
		parts[i] = p
	}
	return parts
}

// parseArgs produces an argument list for g based on s.
// Default values are set and integer parsing is done.
func parseArgs(s, name string, g generator) ([]interface{}, error) {
	given := splitArgs(s)
	if g.args == nil {
		vals := make([]interface{}, len(given))
		for i, a := range given {
			vals[i] = a
		}
		return vals, nil
	}
	if len(given) > len(g.args) {
		return nil, fmt.Errorf("mockdata: @%s takes at most %d arguments, got %d",
			name, len(g.args), len(given))
	}

	vals := []interface{}{}
	for i, a := range g.args {
		number := false
		if strings.HasPrefix(a, "#") {
			number = true
			a = a[1:]
		}
		v := a
		if i < len(given) && given[i] != "" {
			v = given[i]
		}
		if !number {
			vals = append(vals, v)
			continue
		}
		if v == "" {
			vals = append(vals, nil) // no default
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("mockdata: argument %d to @%s: %s",
				i+1, name, err.Error())
		}
		vals = append(vals, n)
	}
	return vals, nil
}

func span(min, max int, name string) (int, error) {
	if max < min {
		return 0, fmt.Errorf("mockdata: invalid range [%d,%d] for @%s", min, max, name)
	}
	if d := max - min; d < 0 || d == math.MaxInt {
		return 0, fmt.Errorf("mockdata: range [%d,%d] too large for @%s", min, max, name)
	}
	return min + intn(max-min+1), nil
}

// MaxLength limits the length of generated strings and the word count
// of sentences.
const MaxLength = 1 << 16

func checkLength(n int, name string) error {
	switch {
	case n < 0:
		return fmt.Errorf("mockdata: negative length %d for @%s", n, name)
	case n > MaxLength:
		return fmt.Errorf("mockdata: length %d for @%s exceeds %d", n, name, MaxLength)
	}
	return nil
}

func mockInteger(args []interface{}) (interface{}, error) {
	return span(args[0].(int), args[1].(int), "integer")
}

func mockFloat(args []interface{}) (interface{}, error) {
	min, max := args[0].(int), args[1].(int)
	dmin, dmax := args[2].(int), args[3].(int)
	if max < min {
		return nil, fmt.Errorf("mockdata: invalid range [%d,%d] for @float", min, max)
	}
	digits, err := span(dmin, dmax, "float")
	if err != nil {
		return nil, err
	}
	f := float64(min) + float()*float64(max-min)
	s := strconv.FormatFloat(f, 'f', digits, 64)
	return strconv.ParseFloat(s, 64)
}

func mockBoolean(args []interface{}) (interface{}, error) {
	return intn(2) == 1, nil
}

const alnum = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomString(n int, alphabet string) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[intn(len(alphabet))]
	}
	return string(b)
}

// mockString produces @string(n) or @string(min,max) random characters.
func mockString(args []interface{}) (interface{}, error) {
	n := args[0].(int)
	if args[1] != nil {
		var err error
		n, err = span(n, args[1].(int), "string")
		if err != nil {
			return nil, err
		}
	}
	if err := checkLength(n, "string"); err != nil {
		return nil, err
	}
	return randomString(n, alnum), nil
}

func mockWord(args []interface{}) (interface{}, error) {
	n, err := span(args[0].(int), args[1].(int), "word")
	if err != nil {
		return nil, err
	}
	if err := checkLength(n, "word"); err != nil {
		return nil, err
	}
	return randomString(n, "abcdefghijklmnopqrstuvwxyz"), nil
}

var textCorpus = "God save our gracious Queen, Long live our noble Queen, " +
	"God save the Queen! Send her victorious, Happy and glorious, " +
	"Long to reign over us; God save the Queen! O Lord, our God arise, " +
	"Scatter her enemies And make them fall; Confound their politics, " +
	"Frustrate their knavish tricks, On Thee our hopes we fix, " +
	"God save us all!"

// mockSentence produces a text of n words with n in [ args[0], args[1] ].
func mockSentence(args []interface{}) (interface{}, error) {
	n, err := span(args[0].(int), args[1].(int), "sentence")
	if err != nil {
		return nil, err
	}
	if err := checkLength(n, "sentence"); err != nil {
		return nil, err
	}
	if n == 0 {
		return "", nil
	}
	words := strings.Split(textCorpus, " ")
	w := len(words)
	begin := intn(w - 1)
	text := []string{}
	for len(text) < n {
		text = append(text, words[begin:]...)
		begin = 0
	}
	return strings.Join(text[:n], " "), nil
}

// the 20 most popular first names (2014) and the 20 most common last names
// (according to phone book) in Switzerland.
var firstNames = []string{
	"Mila", "Noha", "Lara", "Leon", "Emma", "Luca", "Laura", "Levin",
	"Anna", "David", "Sara", "Elias", "Lea", "Julian", "Leonie", "Tim",
}

var lastNames = []string{
	"Mueller", "Meier", "Schmid", "Keller", "Weber", "Huber", "Schneider",
	"Meyer", "Steiner", "Fischer", "Gerber", "Brunner", "Baumann", "Frei",
	"Zimmermann", "Moser", "Widmer", "Wyss", "Graf", "Roth",
}

func mockFirst(args []interface{}) (interface{}, error) {
	return firstNames[intn(len(firstNames))], nil
}

func mockLast(args []interface{}) (interface{}, error) {
	return lastNames[intn(len(lastNames))], nil
}

func mockName(args []interface{}) (interface{}, error) {
	return firstNames[intn(len(firstNames))] + " " + lastNames[intn(len(lastNames))], nil
}

func mockEmail(args []interface{}) (interface{}, error) {
	domain := args[0].(string)
	first := firstNames[intn(len(firstNames))]
	last := lastNames[intn(len(lastNames))]
	middle := ""
	if r := intn(30); r < 26 {
		middle = fmt.Sprintf(".%c", 'A'+r)
	}
	return strings.ToLower(fmt.Sprintf("%s%s.%s@%s", first, middle, last, domain)), nil
}

func mockURL(args []interface{}) (interface{}, error) {
	return fmt.Sprintf("%s://www.%s.com/%s", args[0].(string),
		randomString(3+intn(6), "abcdefghijklmnopqrstuvwxyz"),
		randomString(2+intn(8), "abcdefghijklmnopqrstuvwxyz")), nil
}

func mockIP(args []interface{}) (interface{}, error) {
	return fmt.Sprintf("%d.%d.%d.%d", 1+intn(254), intn(256), intn(256), 1+intn(254)), nil
}

func mockPhone(args []interface{}) (interface{}, error) {
	return "1" + fmt.Sprintf("%d", 3+intn(7)) + randomString(9, "0123456789"), nil
}

func mockUUID(args []interface{}) (interface{}, error) {
	return uuid.New().String(), nil
}

func mockTime(args []interface{}) (interface{}, error) {
	// A random point in time within one year around now.
	off := time.Duration(intn(365*24*3600)-182*24*3600) * time.Second
	return FormatTime(Now().Add(off), args[0].(string)), nil
}

func mockNow(args []interface{}) (interface{}, error) {
	return FormatTime(Now(), args[0].(string)), nil
}

func mockTimestamp(args []interface{}) (interface{}, error) {
	return Now().UnixNano() / int64(time.Millisecond), nil
}

func mockPick(args []interface{}) (interface{}, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("mockdata: @pick needs at least one argument")
	}
	return args[intn(len(args))], nil
}

var layoutReplacer = strings.NewReplacer(
	"yyyy", "2006",
	"yy", "06",
	"MM", "01",
	"dd", "02",
	"HH", "15",
	"hh", "03",
	"mm", "04",
	"ss", "05",
	"SSS", "000",
)

// FormatTime formats t according to a format in the common
// yyyy-MM-dd HH:mm:ss notation.
func FormatTime(t time.Time, format string) string {
	return t.Format(layoutReplacer.Replace(format))
}
