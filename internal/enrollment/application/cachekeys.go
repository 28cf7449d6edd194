package application

// Cache key layout. Patterns are passed to the cache store as prefixes and
// may contain redis glob characters.

func courseKey(courseID string) string { return "course:" + courseID }

func studentEnrollmentsKey(studentID string) string { return "enrollments:student:" + studentID }

func courseEnrollmentCountKey(courseID string) string { return "course:" + courseID + ":count" }

func courseRosterPattern(courseID string) string { return "course:" + courseID + ":" }

func couponKey(code string) string { return "coupon:" + code }

func pricingKey(courseID, code string) string {
	if code == "" {
		code = "-"
	}
	return "pricing:" + courseID + ":" + code
}

func coursePricingPattern(courseID string) string { return "pricing:" + courseID + ":" }

func couponPricingPattern(code string) string { return "pricing:*:" + code }

func pendingCheckoutKey(studentID, courseID string) string {
	return "checkout:pending:" + studentID + ":" + courseID
}

// enrollmentPatterns lists everything derived from a student's enrollment
// in a course.
func enrollmentPatterns(studentID, courseID string) []string {
	return []string{
		studentEnrollmentsKey(studentID),
		courseRosterPattern(courseID),
		coursePricingPattern(courseID),
		pendingCheckoutKey(studentID, courseID),
	}
}
