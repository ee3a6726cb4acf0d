package grpc

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
)

// The auth service contract is small enough to describe in code rather than
// vendoring generated stubs:
//
//	service AuthService { rpc ValidateToken(ValidateTokenRequest) returns (ValidateTokenResponse); }
var (
	authFile              = mustAuthFile()
	validateTokenRequest  = authFile.Messages().ByName("ValidateTokenRequest")
	validateTokenResponse = authFile.Messages().ByName("ValidateTokenResponse")
)

func field(name string, number int32, typ descriptorpb.FieldDescriptorProto_Type) *descriptorpb.FieldDescriptorProto {
	return &descriptorpb.FieldDescriptorProto{
		Name:     proto.String(name),
		JsonName: proto.String(name),
		Number:   proto.Int32(number),
		Label:    descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		Type:     typ.Enum(),
	}
}

func mustAuthFile() protoreflect.FileDescriptor {
	str := descriptorpb.FieldDescriptorProto_TYPE_STRING
	fdp := &descriptorpb.FileDescriptorProto{
		Name:    proto.String("campus/auth/v1/auth.proto"),
		Package: proto.String("campus.auth.v1"),
		Syntax:  proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name:  proto.String("ValidateTokenRequest"),
				Field: []*descriptorpb.FieldDescriptorProto{field("token", 1, str)},
			},
			{
				Name: proto.String("ValidateTokenResponse"),
				Field: []*descriptorpb.FieldDescriptorProto{
					field("valid", 1, descriptorpb.FieldDescriptorProto_TYPE_BOOL),
					field("user_id", 2, str),
					field("handle", 3, str),
					field("role", 4, str),
					field("faculty", 5, str),
					field("department", 6, str),
					field("display_name", 7, str),
					field("email", 8, str),
					field("year_of_study", 9, descriptorpb.FieldDescriptorProto_TYPE_INT32),
				},
			},
		},
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name: proto.String("AuthService"),
			Method: []*descriptorpb.MethodDescriptorProto{{
				Name:       proto.String("ValidateToken"),
				InputType:  proto.String(".campus.auth.v1.ValidateTokenRequest"),
				OutputType: proto.String(".campus.auth.v1.ValidateTokenResponse"),
			}},
		}},
	}
	fd, err := protodesc.NewFile(fdp, protoregistry.GlobalFiles)
	if err != nil {
		panic(err)
	}
	return fd
}
