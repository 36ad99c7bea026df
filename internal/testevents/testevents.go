// Package testevents provides the course-subscription fixture domain shared
// by package tests: an event union, stream schemas, state views, and
// decisions exercising both the default and the narrowed validation query.
package testevents

import (
	"github.com/disintegrate-es/disintegrate/event"
	"github.com/disintegrate-es/disintegrate/serde"
	"github.com/disintegrate-es/disintegrate/streamquery"
)

// Event type tags.
const (
	TypeCourseCreated       = "CourseCreated"
	TypeCourseClosed        = "CourseClosed"
	TypeStudentRegistered   = "StudentRegistered"
	TypeStudentSubscribed   = "StudentSubscribed"
	TypeStudentUnsubscribed = "StudentUnsubscribed"
	TypeCouponEmitted       = "CouponEmitted"
	TypeCouponApplied       = "CouponApplied"
)

// CourseStream covers the events relevant to course subscriptions.
var CourseStream = event.Schema{
	Types: []string{
		TypeCourseCreated,
		TypeCourseClosed,
		TypeStudentRegistered,
		TypeStudentSubscribed,
		TypeStudentUnsubscribed,
	},
	Identifiers: []string{"course_id", "student_id"},
}

// CouponStream covers the coupon events.
var CouponStream = event.Schema{
	Types:       []string{TypeCouponEmitted, TypeCouponApplied},
	Identifiers: []string{"coupon_id"},
}

type CourseCreated struct {
	CourseID string `json:"course_id"`
	Title    string `json:"title"`
	Seats    int    `json:"seats"`
}

func (CourseCreated) Name() string { return TypeCourseCreated }
func (e CourseCreated) DomainIdentifiers() event.Identifiers {
	return event.Identifiers{"course_id": e.CourseID}
}

type CourseClosed struct {
	CourseID string `json:"course_id"`
}

func (CourseClosed) Name() string { return TypeCourseClosed }
func (e CourseClosed) DomainIdentifiers() event.Identifiers {
	return event.Identifiers{"course_id": e.CourseID}
}

type StudentRegistered struct {
	StudentID string `json:"student_id"`
	FullName  string `json:"full_name"`
}

func (StudentRegistered) Name() string { return TypeStudentRegistered }
func (e StudentRegistered) DomainIdentifiers() event.Identifiers {
	return event.Identifiers{"student_id": e.StudentID}
}

type StudentSubscribed struct {
	CourseID  string `json:"course_id"`
	StudentID string `json:"student_id"`
}

func (StudentSubscribed) Name() string { return TypeStudentSubscribed }
func (e StudentSubscribed) DomainIdentifiers() event.Identifiers {
	return event.Identifiers{"course_id": e.CourseID, "student_id": e.StudentID}
}

type StudentUnsubscribed struct {
	CourseID  string `json:"course_id"`
	StudentID string `json:"student_id"`
}

func (StudentUnsubscribed) Name() string { return TypeStudentUnsubscribed }
func (e StudentUnsubscribed) DomainIdentifiers() event.Identifiers {
	return event.Identifiers{"course_id": e.CourseID, "student_id": e.StudentID}
}

type CouponEmitted struct {
	CouponID string `json:"coupon_id"`
	Quantity int    `json:"quantity"`
}

func (CouponEmitted) Name() string { return TypeCouponEmitted }
func (e CouponEmitted) DomainIdentifiers() event.Identifiers {
	return event.Identifiers{"coupon_id": e.CouponID}
}

type CouponApplied struct {
	CouponID string `json:"coupon_id"`
	CartID   string `json:"cart_id"`
}

func (CouponApplied) Name() string { return TypeCouponApplied }
func (e CouponApplied) DomainIdentifiers() event.Identifiers {
	return event.Identifiers{"coupon_id": e.CouponID}
}

// NewSerde returns a JSON codec with every fixture variant registered.
func NewSerde() *serde.JSON {
	return serde.NewJSON().
		Register(TypeCourseCreated, func() event.Event { return &CourseCreated{} }).
		Register(TypeCourseClosed, func() event.Event { return &CourseClosed{} }).
		Register(TypeStudentRegistered, func() event.Event { return &StudentRegistered{} }).
		Register(TypeStudentSubscribed, func() event.Event { return &StudentSubscribed{} }).
		Register(TypeStudentUnsubscribed, func() event.Event { return &StudentUnsubscribed{} }).
		Register(TypeCouponEmitted, func() event.Event { return &CouponEmitted{} }).
		Register(TypeCouponApplied, func() event.Event { return &CouponApplied{} })
}

// CourseQuery selects the course stream for one course.
func CourseQuery(courseID string) streamquery.Query {
	return streamquery.Origin(CourseStream, streamquery.EqFilter("course_id", courseID))
}

// CouponQuery selects the coupon stream for one coupon.
func CouponQuery(couponID string) streamquery.Query {
	return streamquery.Origin(CouponStream, streamquery.EqFilter("coupon_id", couponID))
}
