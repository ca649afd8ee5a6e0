package mocks

import "github.com/RomanHargrave/displaycal-sub006/common"
import "github.com/stretchr/testify/mock"

import "context"

type Protocol struct {
	SubscriptionTarget
	mock.Mock
}

// SetClient provides a mock function with given fields: client
func (_m *Protocol) SetClient(client common.Client) {
	_m.Called(client)
}

// Bind provides a mock function with given fields: desc
func (_m *Protocol) Bind(desc common.Descriptor) error {
	ret := _m.Called(desc)

	var r0 error
	if rf, ok := ret.Get(0).(func(common.Descriptor) error); ok {
		r0 = rf(desc)
	} else {
		r0 = ret.Error(0)
	}

	return r0
}

// Wait provides a mock function with given fields: ctx
func (_m *Protocol) Wait(ctx context.Context) error {
	ret := _m.Called(ctx)

	var r0 error
	if rf, ok := ret.Get(0).(func(context.Context) error); ok {
		r0 = rf(ctx)
	} else {
		r0 = ret.Error(0)
	}

	return r0
}

// Send provides a mock function with given fields: patch, profile
func (_m *Protocol) Send(patch common.Patch, profile common.Profile) error {
	ret := _m.Called(patch, profile)

	var r0 error
	if rf, ok := ret.Get(0).(func(common.Patch, common.Profile) error); ok {
		r0 = rf(patch, profile)
	} else {
		r0 = ret.Error(0)
	}

	return r0
}

// Disconnect provides a mock function with given fields:
func (_m *Protocol) Disconnect() error {
	ret := _m.Called()

	var r0 error
	if rf, ok := ret.Get(0).(func() error); ok {
		r0 = rf()
	} else {
		r0 = ret.Error(0)
	}

	return r0
}

// Cancel provides a mock function with given fields:
func (_m *Protocol) Cancel() {
	_m.Called()
}

// State provides a mock function with given fields:
func (_m *Protocol) State() common.State {
	ret := _m.Called()

	var r0 common.State
	if rf, ok := ret.Get(0).(func() common.State); ok {
		r0 = rf()
	} else {
		r0 = ret.Get(0).(common.State)
	}

	return r0
}
