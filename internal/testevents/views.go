package testevents

import (
	"errors"

	"github.com/disintegrate-es/disintegrate/event"
	"github.com/disintegrate-es/disintegrate/state"
	"github.com/disintegrate-es/disintegrate/streamquery"
)

// Domain errors raised by the fixture decisions.
var (
	ErrNoSeatsAvailable         = errors.New("no seats available")
	ErrCourseClosed             = errors.New("course closed")
	ErrStudentAlreadySubscribed = errors.New("student already subscribed")
	ErrTooManyCourses           = errors.New("student has too many courses")
	ErrCouponNotEmitted         = errors.New("coupon not emitted")
)

// MaxCoursesPerStudent caps concurrent subscriptions per student.
const MaxCoursesPerStudent = 2

// Course folds the course stream for one course.
type Course struct {
	CourseID       string `json:"course_id"`
	CourseName     string `json:"course_name"`
	Created        bool   `json:"created"`
	Closed         bool   `json:"closed"`
	AvailableSeats int    `json:"available_seats"`
	Subscribed     bool   `json:"subscribed"` // the candidate student
	StudentID      string `json:"student_id"`
}

// NewCourse creates the default view for a course and a candidate student.
func NewCourse(courseID, studentID string) *Course {
	return &Course{CourseID: courseID, StudentID: studentID}
}

func (c *Course) Name() string { return "course" }

func (c *Course) Query() streamquery.Query {
	return streamquery.Origin(CourseStream, streamquery.EqFilter("course_id", c.CourseID))
}

func (c *Course) Mutate(ev event.Event) {
	switch ev := ev.(type) {
	case *CourseCreated:
		c.Created = true
		c.CourseName = ev.Title
		c.AvailableSeats = ev.Seats
	case *CourseClosed:
		c.Closed = true
	case *StudentSubscribed:
		c.AvailableSeats--
		if ev.StudentID == c.StudentID {
			c.Subscribed = true
		}
	case *StudentUnsubscribed:
		c.AvailableSeats++
		if ev.StudentID == c.StudentID {
			c.Subscribed = false
		}
	}
}

// Student folds the subscriptions of one student across courses.
type Student struct {
	StudentID string   `json:"student_id"`
	Courses   []string `json:"courses"`
}

func NewStudent(studentID string) *Student {
	return &Student{StudentID: studentID}
}

func (s *Student) Name() string { return "student" }

func (s *Student) Query() streamquery.Query {
	return streamquery.Origin(
		event.Schema{
			Types:       []string{TypeStudentSubscribed, TypeStudentUnsubscribed},
			Identifiers: []string{"course_id", "student_id"},
		},
		streamquery.EqFilter("student_id", s.StudentID),
	)
}

func (s *Student) Mutate(ev event.Event) {
	switch ev := ev.(type) {
	case *StudentSubscribed:
		s.Courses = append(s.Courses, ev.CourseID)
	case *StudentUnsubscribed:
		for i, id := range s.Courses {
			if id == ev.CourseID {
				s.Courses = append(s.Courses[:i], s.Courses[i+1:]...)
				break
			}
		}
	}
}

// Coupon folds the coupon stream for one coupon. Quantity may go negative
// when concurrent applications overbook deliberately.
type Coupon struct {
	CouponID string `json:"coupon_id"`
	Emitted  bool   `json:"emitted"`
	Quantity int    `json:"quantity"`
}

func NewCoupon(couponID string) *Coupon {
	return &Coupon{CouponID: couponID}
}

func (c *Coupon) Name() string { return "coupon" }

func (c *Coupon) Query() streamquery.Query {
	return streamquery.Origin(CouponStream, streamquery.EqFilter("coupon_id", c.CouponID))
}

func (c *Coupon) Mutate(ev event.Event) {
	switch ev := ev.(type) {
	case *CouponEmitted:
		c.Emitted = true
		c.Quantity += ev.Quantity
	case *CouponApplied:
		c.Quantity--
	}
}

// SubscribeStudent subscribes a student to a course. The default validation
// query (the union of both views' queries) makes any concurrent event on the
// course or the student's subscriptions a conflict.
type SubscribeStudent struct {
	CourseID  string
	StudentID string
}

func (d SubscribeStudent) StateQuery() state.Multi {
	return state.Views(NewCourse(d.CourseID, d.StudentID), NewStudent(d.StudentID))
}

func (d SubscribeStudent) Validation() (streamquery.Query, bool) {
	return streamquery.Query{}, false
}

func (d SubscribeStudent) Process(views state.Multi) ([]event.Event, error) {
	course := views[0].View().(*Course)
	student := views[1].View().(*Student)

	switch {
	case course.Closed:
		return nil, ErrCourseClosed
	case course.Subscribed:
		return nil, ErrStudentAlreadySubscribed
	case course.AvailableSeats < 1:
		return nil, ErrNoSeatsAvailable
	case len(student.Courses) >= MaxCoursesPerStudent:
		return nil, ErrTooManyCourses
	}

	return []event.Event{
		&StudentSubscribed{CourseID: d.CourseID, StudentID: d.StudentID},
	}, nil
}

// ApplyCoupon applies a coupon to a cart. Its validation query excludes
// CouponApplied, so concurrent applications of the same coupon do not
// conflict: overbooking the coupon is an accepted business outcome.
type ApplyCoupon struct {
	CouponID string
	CartID   string
}

func (d ApplyCoupon) StateQuery() state.Multi {
	return state.Views(NewCoupon(d.CouponID))
}

func (d ApplyCoupon) Validation() (streamquery.Query, bool) {
	return streamquery.Exclude(CouponQuery(d.CouponID), TypeCouponApplied), true
}

func (d ApplyCoupon) Process(views state.Multi) ([]event.Event, error) {
	coupon := views[0].View().(*Coupon)
	if !coupon.Emitted {
		return nil, ErrCouponNotEmitted
	}
	return []event.Event{
		&CouponApplied{CouponID: d.CouponID, CartID: d.CartID},
	}, nil
}
